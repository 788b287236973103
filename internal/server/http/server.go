package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/voltaic-io/telemux/internal/cluster"
	"github.com/voltaic-io/telemux/internal/runtime"
	"github.com/voltaic-io/telemux/internal/server/ws"
	"github.com/voltaic-io/telemux/internal/subscription"
	"github.com/voltaic-io/telemux/internal/telemetry"
	logpkg "github.com/voltaic-io/telemux/pkg/log"
)

// Server is the node's HTTP surface: the cluster inbound endpoints, the
// websocket session attach point, the minimal telemetry ingress, and health.
type Server struct {
	rt     *runtime.Runtime
	mgr    *subscription.Manager
	hub    *ws.Hub
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
	scope  string
}

// New wires the server over the runtime, the subscription manager, and the
// session hub.
func New(rt *runtime.Runtime, mgr *subscription.Manager, hub *ws.Hub, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("http"))
	}
	scope := rt.Config().ReplayAttributeScope
	if scope == "" {
		scope = telemetry.ScopeClient
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, mgr: mgr, hub: hub, logger: logger, scope: scope, srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc(cluster.PathNewSubscription, s.handleNewSubscription)
	mux.HandleFunc(cluster.PathSubscriptionClosed, s.handleSubscriptionClosed)
	mux.HandleFunc(cluster.PathUpdate, s.handleUpdate)
	mux.HandleFunc(cluster.PathSessionClosed, s.handleSessionClosed)
	mux.HandleFunc("/v1/devices/telemetry", s.handleIngest)
	mux.Handle("/v1/ws", hub)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listener address; useful when binding ":0".
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"subscriptions": s.mgr.Count(),
		"sessions":      s.hub.SessionCount(),
	})
}

func (s *Server) handleNewSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.NewSubscriptionMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if msg.From == "" || msg.Session == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.mgr.RegisterForeign(r.Context(), msg.From, subscription.SessionID(msg.Session), msg.Record); err != nil {
		s.logger.Warn("foreign registration failed", logpkg.Str("from", msg.From), logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSubscriptionClosed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.SubscriptionClosedMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.mgr.Unregister(r.Context(), subscription.SessionID(msg.Session), msg.SubscriptionID); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.UpdateMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.mgr.ApplyForeignUpdate(r.Context(), subscription.SessionID(msg.Session), msg.Update); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionClosed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg cluster.SessionClosedMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.mgr.CloseSession(r.Context(), subscription.SessionID(msg.Session), false); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ingestReq is the minimal telemetry ingress body. It exists as the boundary
// into the router, not as an ingestion pipeline.
type ingestReq struct {
	Device telemetry.DeviceID    `json:"device"`
	Type   subscription.Type     `json:"type"`
	Scope  string                `json:"scope,omitempty"`
	Points []telemetry.DataPoint `json:"points"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ingestReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Device == "" || len(req.Points) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch req.Type {
	case subscription.TypeTimeseries:
		if err := s.rt.Store().SaveTimeseries(r.Context(), req.Device, req.Points); err != nil {
			s.logger.Error("persist timeseries failed", logpkg.Str("device", string(req.Device)), logpkg.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	case subscription.TypeAttributes:
		scope := req.Scope
		if scope == "" {
			scope = s.scope
		}
		for _, p := range req.Points {
			if err := s.rt.Store().SaveAttribute(r.Context(), req.Device, scope, p); err != nil {
				s.logger.Error("persist attribute failed", logpkg.Str("device", string(req.Device)), logpkg.Err(err))
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.mgr.OnDeviceUpdate(r.Context(), req.Device, req.Type, subscription.DeltaNewerThanCursors(req.Points)); err != nil {
		s.logger.Warn("dispatch failed", logpkg.Str("device", string(req.Device)), logpkg.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
