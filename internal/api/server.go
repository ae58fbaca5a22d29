// Package api implements the HTTP command surface: a router, CORS/logging
// middleware, and JSON handlers over the session's public operations,
// built on the same gorilla/mux + net/http.Server shape used elsewhere in
// this codebase.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/haldane/torrentd/internal/session"
	ws "github.com/haldane/torrentd/internal/websocket"
)

// Server is the HTTP command surface for one torrentd session.
type Server struct {
	router  *mux.Router
	session *session.Session
	hub     *ws.Hub
	port    int
	server  *http.Server
}

// NewServer builds a Server wired to sess. hub may be nil to disable the
// /ws upgrade endpoint.
func NewServer(sess *session.Session, hub *ws.Hub, port int) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		session: sess,
		hub:     hub,
		port:    port,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.loggingMiddleware, s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/torrents", s.handleListTorrents).Methods(http.MethodGet)
	r.HandleFunc("/torrents", s.handleAddTorrent).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}", s.handleGetTorrent).Methods(http.MethodGet)
	r.HandleFunc("/torrents/{hash}", s.handleRemoveTorrent).Methods(http.MethodDelete)

	r.HandleFunc("/torrents/{hash}/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/recheck", s.handleRecheck).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/stat", s.handleStat).Methods(http.MethodGet)
	r.HandleFunc("/torrents/{hash}/files", s.handleFiles).Methods(http.MethodGet)
	r.HandleFunc("/torrents/{hash}/files/dnd", s.handleSetFileDLs).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/files/delete", s.handleDeleteFiles).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/files/{idx}/dnd", s.handleSetFileDND).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/files/{idx}/priority", s.handleSetFilePriority).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/files/{idx}", s.handleDeleteDNDFile).Methods(http.MethodDelete)
	r.HandleFunc("/torrents/{hash}/rename", s.handleRename).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/location", s.handleSetLocation).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/trackers", s.handleGetTrackers).Methods(http.MethodGet)
	r.HandleFunc("/torrents/{hash}/trackers", s.handleSetTrackers).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/speed-limit/{dir}", s.handleSetSpeedLimit).Methods(http.MethodPost)
	r.HandleFunc("/torrents/{hash}/availability", s.handleAvailability).Methods(http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.ServeWS(s.hub, w, r)
		})
	}
}

// Start begins serving HTTP in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         ":" + strconv.Itoa(s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
