// Package httpapi is the core's HTTP introspection/health/metrics
// surface, design §12: a thin net/http layer over membership.Manager and
// sender.Aggregate that never itself holds domain state.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-controld/internal/iface"
	"github.com/route-beacon/bgp-controld/internal/membership"
	"github.com/route-beacon/bgp-controld/internal/metrics"
	"github.com/route-beacon/bgp-controld/internal/sender"
)

// ReadinessProbe mirrors internal/http's ConsumerStatus shape for a
// task-affine loop that hasn't necessarily touched Kafka: ready once it
// has completed its first scheduling iteration.
type ReadinessProbe interface {
	IsJoined() bool
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Server exposes /healthz, /readyz, /metrics, and the §6 introspect
// payloads over the core's membership.Manager and sender.Aggregate.
type Server struct {
	srv    *http.Server
	logger *zap.Logger

	manager   *membership.Manager
	aggregate *sender.Aggregate

	dbChecker      DBChecker
	membershipDone ReadinessProbe
	senderDone     ReadinessProbe
}

// NewServer wires a Server. pool may be nil (no postgres check, e.g.
// audit disabled); membershipDone/senderDone report whether the
// membership walk loop and the sender drain loop have each completed at
// least one scheduling pass.
func NewServer(addr string, manager *membership.Manager, aggregate *sender.Aggregate, pool *pgxpool.Pool, membershipDone, senderDone ReadinessProbe, logger *zap.Logger) *Server {
	s := &Server{
		logger:         logger,
		manager:        manager,
		aggregate:      aggregate,
		membershipDone: membershipDone,
		senderDone:     senderDone,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /introspect/peer/{id}", s.handleIntrospectPeer)
	mux.HandleFunc("GET /introspect/table/{name}", s.handleIntrospectTable)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	if s.membershipDone != nil && s.membershipDone.IsJoined() {
		checks["membership"] = "ok"
	} else {
		checks["membership"] = "not_ready"
		allOK = false
	}

	if s.senderDone != nil && s.senderDone.IsJoined() {
		checks["sender"] = "ok"
	} else {
		checks["sender"] = "not_ready"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "checks": checks})
}

// handleMetrics refreshes the gauges that reflect live sender state —
// there is no background reporter goroutine for these, so the scrape
// itself pulls current values from the Aggregate — then delegates to
// promhttp.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.aggregate != nil {
		for i := 0; i < s.aggregate.PartitionCount(); i++ {
			p := s.aggregate.Partition(i)
			if p == nil {
				continue
			}
			label := strconv.Itoa(i)
			metrics.SenderWorkQueueDepth.WithLabelValues(label).Set(float64(p.WorkQueueDepth()))
			metrics.SenderBlockedPeers.WithLabelValues(label).Set(float64(p.BlockedPeerCount()))
			metrics.SenderInSyncPeers.WithLabelValues(label).Set(float64(p.InSyncPeerCount()))
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}

type introspectPeerResponse struct {
	RoutingTables []introspectRoutingTable `json:"routing_tables"`
}

type introspectRoutingTable struct {
	Name         string `json:"name"`
	CurrentState string `json:"current_state"`
}

func (s *Server) handleIntrospectPeer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tables, ok := s.manager.PeerRoutingTables(iface.PeerID(id))
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := introspectPeerResponse{RoutingTables: make([]introspectRoutingTable, len(tables))}
	for i, t := range tables {
		resp.RoutingTables[i] = introspectRoutingTable{Name: t.Name, CurrentState: t.CurrentState}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type introspectTableResponse struct {
	Requests int                   `json:"requests"`
	Walks    int                   `json:"walks"`
	Peers    []introspectTablePeer `json:"peers"`
}

type introspectTablePeer struct {
	ID               string `json:"id"`
	RibinRegistered  bool   `json:"ribin_registered"`
	RiboutRegistered bool   `json:"ribout_registered"`
}

func (s *Server) handleIntrospectTable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	requests, walks, peers, ok := s.manager.TableMembership(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := introspectTableResponse{Requests: requests, Walks: walks, Peers: make([]introspectTablePeer, len(peers))}
	for i, p := range peers {
		resp.Peers[i] = introspectTablePeer{ID: string(p.ID), RibinRegistered: p.RibinRegistered, RiboutRegistered: p.RiboutRegistered}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
