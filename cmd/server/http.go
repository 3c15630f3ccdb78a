package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/salahayoub/tether/pkg/mesh"
	"github.com/salahayoub/tether/pkg/metrics"
	"github.com/salahayoub/tether/pkg/pool"
	"github.com/salahayoub/tether/pkg/types"
)

const (
	defaultReputationLimit = 20
	maxBodyBytes           = 4 << 10
)

// routeLookup is the payload of /routes/{peer}.
type routeLookup struct {
	Destination string                `json:"destination"`
	Reachable   bool                  `json:"reachable"`
	NextHops    []types.NextHopStatus `json:"next_hops"`
}

// decisionResponse reports a slot decision from /connect or /ranging.
type decisionResponse struct {
	Peer    string `json:"peer"`
	Outcome string `json:"outcome"`
	Evicted string `json:"evicted,omitempty"`
}

// APIHandler serves the mesh status API for one node.
type APIHandler struct {
	mesh     *mesh.Mesh
	gatherer prometheus.Gatherer
}

// NewAPIHandler creates an APIHandler over m. Metrics are served from g,
// or the default gatherer when g is nil.
func NewAPIHandler(m *mesh.Mesh, g prometheus.Gatherer) *APIHandler {
	return &APIHandler{mesh: m, gatherer: g}
}

// Router returns the chi router with all routes mounted.
func (h *APIHandler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", metrics.Handler(h.gatherer))

	r.Get("/status", h.handleStatus)
	r.Get("/pool", h.handlePool)
	r.Get("/pool/slots", h.handleSlots)
	r.Get("/reputation", h.handleReputation)
	r.Get("/routes", h.handleRoutes)
	r.Get("/routes/{peer}", h.handleRoute)
	r.Get("/network", h.handleNetwork)
	r.Get("/recommendations", h.handleRecommendations)
	r.Get("/peers", h.handlePeers)

	r.Post("/enabled", h.handleEnabled)
	r.Post("/elect", h.handleElect)
	r.Post("/optimize", h.handleOptimize)
	r.Post("/battery", h.handleBattery)
	r.Post("/connect/{peer}", h.handleConnect)
	r.Route("/ranging/{peer}", func(r chi.Router) {
		r.Post("/", h.handleRangingRequest)
		r.Post("/confirm", h.handleRangingConfirm)
		r.Delete("/", h.handleRangingEnd)
	})

	return r
}

// handleHealth reports 503 once the mesh has stopped.
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Setting the current value is a no-op that fails once the loop exits.
	if err := h.mesh.SetEnabled(h.mesh.Enabled()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewStatusResponse(h.mesh.Status()))
}

func (h *APIHandler) handlePool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]types.PoolStatus{
		"connection": types.NewPoolStatus(h.mesh.PoolStatus()),
		"ranging":    types.NewPoolStatus(h.mesh.RangingStatus()),
	})
}

func (h *APIHandler) handleSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.SlotsResponse{
		Connection: types.NewSlotStatuses(h.mesh.PoolSlots()),
		Ranging:    types.NewSlotStatuses(h.mesh.RangingSlots()),
	})
}

// handleReputation serves GET /reputation?limit=N, best scores first.
func (h *APIHandler) handleReputation(w http.ResponseWriter, r *http.Request) {
	limit := defaultReputationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, types.NewReputationStatuses(h.mesh.TopReputations(limit)))
}

func (h *APIHandler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewRouteStatuses(h.mesh.Routes()))
}

func (h *APIHandler) handleRoute(w http.ResponseWriter, r *http.Request) {
	dest := strings.TrimSpace(chi.URLParam(r, "peer"))
	writeJSON(w, http.StatusOK, routeLookup{
		Destination: dest,
		Reachable:   h.mesh.IsReachable(dest),
		NextHops:    types.NewNextHopStatuses(h.mesh.NextHops(dest)),
	})
}

func (h *APIHandler) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewNetworkState(h.mesh.NetworkState()))
}

func (h *APIHandler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs := h.mesh.Recommendations()
	if recs == nil {
		recs = []string{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *APIHandler) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewPeerStatuses(h.mesh.Peers()))
}

func (h *APIHandler) handleEnabled(w http.ResponseWriter, r *http.Request) {
	var req types.EnabledRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.mesh.SetEnabled(req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (h *APIHandler) handleElect(w http.ResponseWriter, r *http.Request) {
	if err := h.mesh.ForceElection(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"term": h.mesh.Term()})
}

func (h *APIHandler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	swaps, err := h.mesh.OptimizeConnections()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.NewOptimizeResponse(swaps))
}

// handleBattery accepts a level in [0, 1].
func (h *APIHandler) handleBattery(w http.ResponseWriter, r *http.Request) {
	var req types.BatteryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Level < 0 || req.Level > 1 {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "level must be between 0 and 1"})
		return
	}
	if err := h.mesh.SetBatteryLevel(req.Level); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"level": req.Level})
}

func (h *APIHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	d, err := h.mesh.Connect(peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeDecision(w, peer, d)
}

// handleRangingRequest serves POST /ranging/{peer}?priority=Trusted.
func (h *APIHandler) handleRangingRequest(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	priority, err := parsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}
	d, err := h.mesh.RequestRanging(peer, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeDecision(w, peer, d)
}

func (h *APIHandler) handleRangingConfirm(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	if err := h.mesh.ConfirmRanging(peer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"peer": peer, "state": pool.Occupied.String()})
}

func (h *APIHandler) handleRangingEnd(w http.ResponseWriter, r *http.Request) {
	peer := chi.URLParam(r, "peer")
	released, err := h.mesh.EndRanging(peer)
	if err != nil {
		writeError(w, err)
		return
	}
	if !released {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "no ranging session with " + peer})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parsePriority(s string) (pool.Priority, error) {
	if s == "" {
		return pool.Trusted, nil
	}
	for _, p := range []pool.Priority{pool.Background, pool.Discovered, pool.Trusted, pool.Manual} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, errors.New("unknown priority " + strconv.Quote(s))
}

func writeDecision(w http.ResponseWriter, peer string, d pool.Decision) {
	status := http.StatusOK
	if d.Outcome == pool.Rejected {
		status = http.StatusConflict
	}
	writeJSON(w, status, decisionResponse{Peer: peer, Outcome: d.Outcome.String(), Evicted: d.Evicted})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps mesh errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mesh.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrDisabled), errors.Is(err, mesh.ErrNotConnected), errors.Is(err, pool.ErrNotReserved):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrUnknownPeer):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), types.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// newHTTPServer wraps handler with the daemon's timeouts.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}
