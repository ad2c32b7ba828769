package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and record messaging sessions",
}

var sessionInboundCmd = &cobra.Command{
	Use:   "inbound <phone> [message]",
	Short: "Record an inbound message, opening or refreshing the session",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSessionInbound,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <phone>",
	Short: "Show whether a number can receive free-form messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionOptOutCmd = &cobra.Command{
	Use:   "opt-out <phone>",
	Short: "Stop free-form messages to a number until it opts in again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionSetActive(cmd, args[0], false)
	},
}

var sessionOptInCmd = &cobra.Command{
	Use:   "opt-in <phone>",
	Short: "Allow free-form messages to an opted-out number again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessionSetActive(cmd, args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionInboundCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionOptOutCmd)
	sessionCmd.AddCommand(sessionOptInCmd)
}

func initTracker(cmd *cobra.Command) (*session.Tracker, *app, error) {
	a, err := initBase(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	store, err := initSessions(cmd.Context(), a.cfg, a)
	if err != nil {
		closeApp(a)
		return nil, nil, err
	}
	return session.NewTracker(store, a.sessionOptions(), a.logger), a, nil
}

func runSessionInbound(cmd *cobra.Command, args []string) error {
	message := ""
	if len(args) == 2 {
		message = args[1]
	}

	tracker, a, err := initTracker(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	s, err := tracker.RecordInbound(cmd.Context(), args[0], message)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s: %d messages, last inbound %s\n",
		s.Phone, s.MessageCount, s.LastInbound.Format("2006-01-02 15:04:05"))
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	tracker, a, err := initTracker(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	state, s, err := tracker.State(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("State:        %s\n", state)
	if s != nil {
		fmt.Printf("Phone:        %s\n", s.Phone)
		fmt.Printf("First seen:   %s\n", s.FirstContact.Format("2006-01-02 15:04:05"))
		fmt.Printf("Last inbound: %s\n", s.LastInbound.Format("2006-01-02 15:04:05"))
		fmt.Printf("Messages:     %d\n", s.MessageCount)
		if state == session.StateSubscribed {
			fmt.Printf("Window ends:  %s\n", s.LastInbound.Add(tracker.Window()).Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func runSessionSetActive(cmd *cobra.Command, phone string, active bool) error {
	tracker, a, err := initTracker(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := tracker.SetActive(cmd.Context(), phone, active); err != nil {
		return err
	}
	if active {
		fmt.Printf("Session %s opted in\n", phone)
	} else {
		fmt.Printf("Session %s opted out\n", phone)
	}
	return nil
}
