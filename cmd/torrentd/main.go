// Command torrentd is the session process: it loads configuration, opens
// the Postgres-backed completion/resume stores, starts the event-thread
// session, the HTTP command surface, and the WebSocket stat-push hub.
// Follows the same flag-driven config-path + connect-then-serve shape
// used by other daemons in this codebase.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haldane/torrentd/internal/api"
	"github.com/haldane/torrentd/internal/completion"
	"github.com/haldane/torrentd/internal/config"
	"github.com/haldane/torrentd/internal/db"
	"github.com/haldane/torrentd/internal/proxydialer"
	"github.com/haldane/torrentd/internal/resume"
	"github.com/haldane/torrentd/internal/session"
	ws "github.com/haldane/torrentd/internal/websocket"
)

func main() {
	configPath := flag.String("config", "/etc/torrentd/torrentd.conf", "path to key=value config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	database, err := db.Connect(cfg.ConnectionString())
	if err != nil {
		log.Fatalf("[main] database: %v", err)
	}
	defer database.Close()

	if err := database.EnsureSchema(); err != nil {
		log.Fatalf("[main] schema: %v", err)
	}

	compStore := completion.Store(completion.NewPostgresStore(database.DB))
	resumeStore := resume.Store(resume.NewPostgresStore(database.DB))

	if dialer, err := proxydialer.New(cfg); err != nil {
		log.Fatalf("[main] proxy: %v", err)
	} else if dialer != nil {
		log.Printf("[main] proxy dialer configured for %s proxy at %s", cfg.ProxyKind, cfg.ProxyHost)
	}

	sess := session.New(compStore, resumeStore)
	defer sess.Close()
	if cfg.DoneScript != "" {
		sess.SetDoneScript(cfg.DoneScript)
	}
	if cfg.WatchDebounceSeconds > 0 {
		sess.SetWatchDebounce(time.Duration(cfg.WatchDebounceSeconds) * time.Second)
	}

	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	server := api.NewServer(sess, hub, cfg.APIPort)
	if err := server.Start(); err != nil {
		log.Fatalf("[main] api server: %v", err)
	}
	log.Printf("[main] torrentd listening on :%d", cfg.APIPort)

	go statPushLoop(sess, hub)
	go resumeFlushLoop(sess, resumeStore)

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}
}

// statPushLoop periodically broadcasts every running torrent's stat
// snapshot, the event-push half of ambient stack.
func statPushLoop(sess *session.Session, hub *ws.Hub) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, t := range sess.All() {
			if t.IsRunning {
				hub.BroadcastStat(t.InfoHash.HexString(), t.Stat())
			}
		}
	}
}

// resumeFlushLoop persists any torrent marked dirty since the last pass,
// is_dirty flag ("resume file needs flush").
func resumeFlushLoop(sess *session.Session, store resume.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, t := range sess.All() {
			if !t.IsDirty {
				continue
			}
			if err := store.Save(resume.Snapshot(t)); err != nil {
				log.Printf("[main] resume flush %s: %v", t.ShortHash(), err)
				continue
			}
			t.IsDirty = false
		}
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[main] shutting down")
}
