package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eptb-dst-server/internal/guideline"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func builtinDataset(t *testing.T) *guideline.Dataset {
	t.Helper()

	table, err := guideline.Builtin()
	require.NoError(t, err)
	return &guideline.Dataset{Version: table.Version(), Rules: table.AllRules()}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{BaseURL: server.URL, Timeout: 5 * time.Second, RateLimit: 100}, quietLogger())
}

func TestLatestVersion(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/datasets", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"latest":   "who-eptb-2025.2",
			"versions": []string{"who-eptb-2025.1", "who-eptb-2025.2"},
		})
	})

	version, err := client.LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "who-eptb-2025.2", version)
}

func TestLatestVersion_EmptyListing(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})

	_, err := client.LatestVersion(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no latest version")
}

func TestFetchDataset(t *testing.T) {
	ds := builtinDataset(t)

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/datasets/"+ds.Version, r.URL.Path)
		json.NewEncoder(w).Encode(ds)
	})

	fetched, err := client.FetchDataset(context.Background(), ds.Version)
	require.NoError(t, err)
	assert.Equal(t, ds.Version, fetched.Version)
	assert.Len(t, fetched.Rules, len(ds.Rules))

	// Fetched dataset must load into a table.
	_, err = guideline.FromDataset(fetched)
	require.NoError(t, err)
}

func TestFetchDataset_RejectsInvalidPayload(t *testing.T) {
	ds := builtinDataset(t)
	ds.Rules = ds.Rules[:1] // missing categories

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ds)
	})

	_, err := client.FetchDataset(context.Background(), ds.Version)
	require.Error(t, err)
}

func TestFetchDataset_EmptyVersion(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := client.FetchDataset(context.Background(), "  ")
	require.Error(t, err)
}

func TestFetchDataset_ServerError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.FetchDataset(context.Background(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = client.FetchDataset(ctx, "v1")
	}

	assert.Equal(t, gobreaker.StateOpen, client.BreakerState())

	_, err := client.FetchDataset(ctx, "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}
