// Package httpapi serves the recorder's read-only query surface: the
// /v3/* JSON endpoints over the indexed store, plus a socket.io live feed
// that pushes newly stored messages to connected dashboards.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"

	"github.com/ocx/sniffer/internal/obs"
	"github.com/ocx/sniffer/internal/store"
)

// Server wires the query handlers and live feed onto one HTTP router.
type Server struct {
	store   *store.Store
	log     zerolog.Logger
	metrics *obs.Metrics
	feed    *socketio.Server
	router  *mux.Router
}

// New builds the router and the live-feed namespace. Call Handler to get
// the http.Handler to serve, and OnMessage to wire a registry/chunkparser
// message hook into the feed. metrics may be nil, e.g. in tests.
func New(st *store.Store, log zerolog.Logger, metrics *obs.Metrics) *Server {
	feed := socketio.NewServer(nil)
	feed.OnConnect("/", func(s socketio.Conn) error {
		s.Join("messages")
		return nil
	})
	feed.OnDisconnect("/", func(s socketio.Conn, reason string) {})
	feed.OnError("/", func(s socketio.Conn, err error) {
		log.Warn().Err(err).Msg("httpapi: live feed connection error")
	})
	go func() {
		if err := feed.Serve(); err != nil {
			log.Error().Err(err).Msg("httpapi: live feed server exited")
		}
	}()

	s := &Server{store: st, log: log, metrics: metrics, feed: feed}
	s.router = s.buildRouter()
	return s
}

// Handler returns the combined mux+socket.io handler to pass to
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the live-feed server.
func (s *Server) Close() error {
	return s.feed.Close()
}

// OnMessage broadcasts a newly stored message to every connected live-feed
// client. It is the function to pass as registry.ConnectionRegistry.OnMessage.
func (s *Server) OnMessage(m store.Message) {
	s.feed.BroadcastToRoom("/", "messages", "message", m)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/socket.io/", s.feed)

	v3 := r.PathPrefix("/v3").Subrouter()
	v3.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	v3.HandleFunc("/message/{id}", s.handleMessage).Methods(http.MethodGet)
	v3.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	v3.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	v3.HandleFunc("/chunks", s.handleChunks).Methods(http.MethodGet)
	return r
}
