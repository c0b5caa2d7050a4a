package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/consensus"
	"github.com/hivegrid/hivegrid/internal/natsbus"
	"github.com/hivegrid/hivegrid/internal/store"
	"github.com/hivegrid/hivegrid/internal/swarm"
)

// Server exposes the swarm's status surface: a JSON API plus a websocket
// event stream fed from the monitoring channel.
type Server struct {
	cfg       config.WebConfig
	st        *store.Store
	coord     *swarm.Coordinator
	eng       *consensus.Engine
	nats      *natsbus.Client
	hub       *hub
	version   string
	startedAt time.Time
}

func NewServer(cfg config.WebConfig, st *store.Store, coord *swarm.Coordinator, eng *consensus.Engine, nats *natsbus.Client, version string) *Server {
	return &Server{
		cfg:       cfg,
		st:        st,
		coord:     coord,
		eng:       eng,
		nats:      nats,
		hub:       newHub(),
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	s.subscribeEvents()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the routed, auth-wrapped handler. Split out from Start
// so it can be driven by httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.submitTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTask)
	mux.HandleFunc("GET /api/proposals", s.listProposals)
	mux.HandleFunc("GET /api/memory", s.listMemory)
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)

	return s.withAuth(mux)
}

// withAuth enforces basic auth on API routes when a password is
// configured.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth != "" && strings.HasPrefix(r.URL.Path, "/api/") {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				w.Header().Set("WWW-Authenticate", `Basic realm="hivegrid"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
