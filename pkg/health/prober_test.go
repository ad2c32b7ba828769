package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zimads/adsentinel/pkg/classify"
	"github.com/zimads/adsentinel/pkg/health"
	"github.com/zimads/adsentinel/pkg/model"
)

const secretToken = "SECRET-TOKEN-XYZ"

func probeAccount() model.Account {
	return model.Account{ID: "a1", ExternalID: "123", AccessToken: secretToken, State: model.AccountActive}
}

func TestGraphProber_SendsTokenInHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/act_123", r.URL.Path)
		assert.Equal(t, "Bearer "+secretToken, r.Header.Get("Authorization"))
		assert.Empty(t, r.URL.Query().Get("access_token"))
		assert.NotContains(t, r.URL.RawQuery, secretToken)
		_, _ = w.Write([]byte(`{"id":"act_123"}`))
	}))
	defer server.Close()

	p := health.NewGraphProber(server.URL, "v21.0")
	require.NoError(t, p.Probe(context.Background(), probeAccount()))
}

func TestGraphProber_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Session has expired","type":"OAuthException","code":190,"error_subcode":463}}`))
	}))
	defer server.Close()

	err := health.NewGraphProber(server.URL, "v21.0").Probe(context.Background(), probeAccount())
	require.Error(t, err)
	assert.Equal(t, classify.NeedsReauth, classify.ActionOf(err))
}

func TestGraphProber_MissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := health.NewGraphProber(server.URL, "v21.0").Probe(context.Background(), probeAccount())
	assert.ErrorContains(t, err, "has no id")
}

func TestGraphProber_NetworkErrorHidesToken(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	acc := probeAccount()
	err := health.NewGraphProber(url, "v21.0").Probe(context.Background(), acc)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secretToken)

	next, action := health.Apply(acc, err, probeTime, 3, 0.5)
	assert.Equal(t, classify.Retryable, action)
	assert.NotEmpty(t, next.LastError)
	assert.NotContains(t, next.LastError, secretToken)
}
