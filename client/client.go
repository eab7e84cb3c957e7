package client

import (
	"fmt"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ShardState mirrors sharding.CurrentShardState without importing the
// sharding package, keeping this REST client decoupled from the
// in-process manager types it talks to.
type ShardState struct {
	Shard     string   `json:"shard"`
	ActiveIds []string `json:"active_ids"`
}

// AdminClient is a REST client for a remote node's admin server (see
// sharding.AdminServer). GetShardState does not consult Buckets; requests
// are sent without any rate limiting.
type AdminClient struct {
	HTTP *http.Client

	URLHost   string
	URLScheme string

	Buckets *sync.Map
}

// NewAdminClient builds a client targeting a node's admin server at host.
func NewAdminClient(host string) *AdminClient {
	return &AdminClient{
		HTTP:      http.DefaultClient,
		URLHost:   host,
		URLScheme: "http",
		Buckets:   &sync.Map{},
	}
}

// GetShardState fetches the current active-entity snapshot for shard from
// the admin server's /shards/{id} endpoint.
func (c *AdminClient) GetShardState(shard string) (ShardState, error) {
	var state ShardState

	url := fmt.Sprintf("%s://%s/shards/%s", c.URLScheme, c.URLHost, shard)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return state, err
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return state, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return state, fmt.Errorf("admin client: unexpected status %d for shard %s", res.StatusCode, shard)
	}

	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		return state, err
	}

	return state, nil
}
