package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liquidot/orchestrator/internal/domain"
)

// allStatuses enumerates every PositionStatus for the per-status counter
// report (spec §4.8: "a count of positions in each status").
var allStatuses = []domain.PositionStatus{
	domain.PendingDispatch, domain.PendingExecution, domain.Active,
	domain.LiquidationPending, domain.Liquidated, domain.Settled,
	domain.Cancelled, domain.Failed,
}

// Store is the subset of internal/store.Store Diagnostics reads.
type Store interface {
	ListByStatus(status domain.PositionStatus) ([]*domain.Position, error)
	GetCursor(source string) (uint64, error)
}

// ChainProbe is the subset of a chain adapter Diagnostics uses to check
// reachability and current height.
type ChainProbe interface {
	ChainID() uint64
	LatestBlock(ctx context.Context) (uint64, error)
}

// Halter reports which supervised tasks have halted and why (spec §4.8,
// §7: "escalation... exposing it via Diagnostics").
type Halter interface {
	Halted() map[string]string
}

// ChainConfig records the contract addresses configured for one chain,
// echoed back verbatim in the diagnostics report (spec §6).
type ChainConfig struct {
	ChainID        uint64
	HubAddress     common.Address // zero on a spoke chain
	SpokeAddresses []common.Address
}

// Server exposes the read-only Diagnostics HTTP surface (spec §4.8).
type Server struct {
	store       Store
	chains      map[uint64]ChainProbe
	chainConfig []ChainConfig
	cursors     []string // cursor source keys to report, e.g. "hub", "spoke:137"
	supervisor  Halter
	manifest    *Manifest

	mu          sync.RWMutex
	staleAfter  time.Duration
	lastPollAt  map[string]time.Time
	router      chi.Router
	positionReg *prometheus.GaugeVec
	cursorReg   *prometheus.GaugeVec
	reachReg    *prometheus.GaugeVec
}

// Config configures a Diagnostics Server.
type Config struct {
	Chains      map[uint64]ChainProbe
	ChainConfig []ChainConfig
	CursorKeys  []string
	Supervisor  Halter
	Manifest    *Manifest
	StaleAfter  time.Duration // event-tail staleness bound (spec §5)
}

// New builds a Diagnostics Server. It panics if manifest fails startup
// validation, per spec §4.8's "integrity... enforced by startup
// validation" — a malformed manifest is a configuration error, not a
// runtime condition to degrade gracefully around.
func New(store Store, cfg Config) *Server {
	if cfg.Manifest == nil {
		cfg.Manifest = &Manifest{}
	}
	if err := cfg.Manifest.Validate(); err != nil {
		panic(err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	s := &Server{
		store:       store,
		chains:      cfg.Chains,
		chainConfig: cfg.ChainConfig,
		cursors:     cfg.CursorKeys,
		supervisor:  cfg.Supervisor,
		manifest:    cfg.Manifest,
		staleAfter:  cfg.StaleAfter,
		lastPollAt:  make(map[string]time.Time),
		positionReg: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidot_positions_by_status",
			Help: "Current number of positions in each lifecycle status.",
		}, []string{"status"}),
		cursorReg: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidot_event_cursor_block",
			Help: "Last-processed block for each event tail cursor.",
		}, []string{"source"}),
		reachReg: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "liquidot_chain_reachable",
			Help: "1 if the chain's RPC endpoint answered the last reachability probe, else 0.",
		}, []string{"chain_id"}),
	}
	s.buildRouter(registry)
	return s
}

func (s *Server) buildRouter(registry *prometheus.Registry) {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/manifest", s.handleManifest)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router = r
}

// Handler returns the Server's http.Handler for cmd/orchestrator to mount.
func (s *Server) Handler() http.Handler { return s.router }

// chainStatus is one chain's reachability row in the diagnostics report.
type chainStatus struct {
	ChainID     uint64 `json:"chain_id"`
	Reachable   bool   `json:"reachable"`
	LatestBlock uint64 `json:"latest_block,omitempty"`
	Error       string `json:"error,omitempty"`
}

type cursorStatus struct {
	Source   string `json:"source"`
	Block    uint64 `json:"block"`
	Degraded bool   `json:"degraded"`
}

// Report is the full diagnostics payload returned by GET /diagnostics.
type Report struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Chains      []chainStatus        `json:"chains"`
	Cursors     []cursorStatus       `json:"cursors"`
	PositionsByStatus map[string]int `json:"positions_by_status"`
	ChainConfig []ChainConfig        `json:"chain_config"`
	HaltedTasks map[string]string    `json:"halted_tasks,omitempty"`
}

// BuildReport assembles the current diagnostics snapshot, probing every
// configured chain's reachability live (spec §4.8: "RPC reachability per
// chain... current cursor positions... count of positions in each
// status").
func (s *Server) BuildReport(ctx context.Context) *Report {
	report := &Report{
		GeneratedAt:       time.Now(),
		PositionsByStatus: make(map[string]int),
		ChainConfig:       s.chainConfig,
	}

	for chainID, probe := range s.chains {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		head, err := probe.LatestBlock(probeCtx)
		cancel()
		cs := chainStatus{ChainID: chainID, Reachable: err == nil, LatestBlock: head}
		if err != nil {
			cs.Error = err.Error()
			s.reachReg.WithLabelValues(chainIDLabel(chainID)).Set(0)
		} else {
			s.reachReg.WithLabelValues(chainIDLabel(chainID)).Set(1)
			s.recordPoll(chainSourceKey(chainID))
		}
		report.Chains = append(report.Chains, cs)
	}

	for _, source := range s.cursors {
		block, err := s.store.GetCursor(source)
		if err != nil {
			continue
		}
		s.cursorReg.WithLabelValues(source).Set(float64(block))
		report.Cursors = append(report.Cursors, cursorStatus{
			Source:   source,
			Block:    block,
			Degraded: s.isStale(source),
		})
	}

	for _, status := range allStatuses {
		positions, err := s.store.ListByStatus(status)
		count := 0
		if err == nil {
			count = len(positions)
		}
		report.PositionsByStatus[status.String()] = count
		s.positionReg.WithLabelValues(status.String()).Set(float64(count))
	}

	if s.supervisor != nil {
		report.HaltedTasks = s.supervisor.Halted()
	}

	return report
}

func (s *Server) recordPoll(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPollAt[source] = time.Now()
}

// isStale reports whether an event tail hasn't advanced within the
// configured staleness bound (spec §5: "every event tail has a staleness
// threshold after which Diagnostics reports degraded").
func (s *Server) isStale(source string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.lastPollAt[source]
	if !ok {
		return true
	}
	return time.Since(last) > s.staleAfter
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	report := s.BuildReport(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.manifest)
}

func chainIDLabel(chainID uint64) string { return chainSourceKey(chainID) }

func chainSourceKey(chainID uint64) string {
	return "chain-" + uint64ToString(chainID)
}

func uint64ToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
