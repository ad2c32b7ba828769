package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zimads/adsentinel/pkg/messaging"
	"github.com/zimads/adsentinel/pkg/model"
)

// Prober issues one cheap read-only call with an account's credential.
// Provider rejections are returned as *classify.ProviderError; anything else
// is treated as a network failure.
type Prober interface {
	Probe(ctx context.Context, account model.Account) error
}

// GraphProber reads the ad account through the Graph API.
type GraphProber struct {
	baseURL string
	version string
	client  *http.Client
}

// NewGraphProber creates a prober. Empty values fall back to the public
// Graph endpoint.
func NewGraphProber(baseURL, version string) *GraphProber {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	if version == "" {
		version = "v21.0"
	}
	return &GraphProber{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

type adAccountResponse struct {
	ID string `json:"id"`
}

func (p *GraphProber) Probe(ctx context.Context, account model.Account) error {
	id := account.ExternalID
	if !strings.HasPrefix(id, "act_") {
		id = "act_" + id
	}

	// The token goes in a header; transport errors quote the URL.
	q := url.Values{}
	q.Set("fields", "id")
	endpoint := fmt.Sprintf("%s/%s/%s?%s", p.baseURL, p.version, id, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe account %s: %w", account.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return messaging.ParseGraphError(resp.StatusCode, body)
	}

	var out adAccountResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode probe response: %w", err)
	}
	if out.ID == "" {
		return fmt.Errorf("probe response for account %s has no id", account.ID)
	}
	return nil
}
