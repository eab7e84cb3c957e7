package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetShardStateDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shards/shard1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"shard":"shard1","active_ids":["1","2","3"]}`))
	}))
	defer srv.Close()

	c := NewAdminClient(strings.TrimPrefix(srv.URL, "http://"))
	state, err := c.GetShardState("shard1")
	require.NoError(t, err)
	assert.Equal(t, "shard1", state.Shard)
	assert.Equal(t, []string{"1", "2", "3"}, state.ActiveIds)
}

func TestGetShardStateNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewAdminClient(strings.TrimPrefix(srv.URL, "http://"))
	_, err := c.GetShardState("missing")
	require.Error(t, err)
}
