package sharding

import (
	"net/http"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var adminJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// StateWatcher is told about every fresh CurrentShardState the Manager
// computes, so the admin stream can push it to subscribers without
// polling.
type StateWatcher interface {
	OnShardStateChanged(state CurrentShardState)
}

// AdminServer serves the GetShardState administrative query over REST
// and pushes live updates over a websocket, fanning writes out to many
// subscribers instead of one peer.
type AdminServer struct {
	manager  *Manager
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// NewAdminServer creates a server bound to manager.
func NewAdminServer(manager *Manager, log zerolog.Logger) *AdminServer {
	return &AdminServer{
		manager: manager,
		log:     log,
		subs:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the HTTP handler serving /shards/{id} and /stream.
func (a *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/shards/", a.handleGetShardState)
	mux.HandleFunc("/stream", a.handleStream)
	return mux
}

func (a *AdminServer) handleGetShardState(w http.ResponseWriter, r *http.Request) {
	shard := ShardId(strings.TrimPrefix(r.URL.Path, "/shards/"))
	if shard == "" {
		http.Error(w, "missing shard id", http.StatusBadRequest)
		return
	}

	state, err := a.manager.SnapshotActive(shard)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := adminJSON.NewEncoder(w).Encode(state); err != nil {
		a.log.Warn().Err(err).Msg("failed to encode shard state response")
	}
}

func (a *AdminServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("admin stream upgrade failed")
		return
	}

	a.mu.Lock()
	a.subs[conn] = struct{}{}
	a.mu.Unlock()

	// Drain and discard reads; the protocol is server-push only. When the
	// peer disconnects, ReadMessage returns an error and we drop it.
	go func() {
		defer a.dropSubscriber(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (a *AdminServer) dropSubscriber(conn *websocket.Conn) {
	a.mu.Lock()
	delete(a.subs, conn)
	a.mu.Unlock()
	conn.Close()
}

// OnShardStateChanged implements StateWatcher: it pushes state to every
// connected subscriber, dropping any that error on write.
func (a *AdminServer) OnShardStateChanged(state CurrentShardState) {
	payload, err := adminJSON.Marshal(state)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to encode shard state push")
		return
	}

	a.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(a.subs))
	for c := range a.subs {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			a.dropSubscriber(conn)
		}
	}
}
