// Command adsentinel runs the campaign alert and notification pipeline.
package main

import "github.com/zimads/adsentinel/internal/cli"

func main() {
	cli.Execute()
}
