package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/daemon"
)

func testServer(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func TestStatus(t *testing.T) {
	c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"running","version":"1.2.3","projectDir":"/work"}`))
	}))

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, daemon.StateRunning, st.State)
	assert.Equal(t, "1.2.3", st.Version)
}

func TestStatusDaemonDown(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listens here
	_, err := c.Status(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Healthy(context.Background()))
}

func TestStatusNon200(t *testing.T) {
	c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	_, err := c.Status(context.Background())
	assert.ErrorContains(t, err, "503")
}

func TestHealthy(t *testing.T) {
	c := testServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	assert.True(t, c.Healthy(context.Background()))
}
