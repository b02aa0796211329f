// Package httpapi exposes the debug/introspection HTTP surface: a
// registry+tracker+master snapshot, a long-poll event stream, the
// load-track/fader-start commands, and (optionally) Prometheus metrics.
// The router wiring follows the same chi-based admin-server pattern used
// elsewhere in this codebase, generalized from session-authenticated
// admin routes to an unauthenticated local debug surface.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prolinkcore/prolink-core/internal/events"
	"github.com/prolinkcore/prolink-core/internal/httpapi/middleware"
	"github.com/prolinkcore/prolink-core/internal/link"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	core      *link.Core
	startTime time.Time
	logger    *slog.Logger
	metrics   bool
}

// NewServer creates the debug HTTP handler with all routes mounted.
func NewServer(core *link.Core, metricsEnabled bool, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		core:      core,
		startTime: time.Now(),
		logger:    logger.With("subsystem", "httpapi"),
		metrics:   metricsEnabled,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	generalLimiter := middleware.NewKeyRateLimiter(middleware.DefaultRateLimitConfig())
	commandLimiter := middleware.NewKeyRateLimiter(middleware.CommandRateLimitConfig())

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(generalLimiter))
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/events", s.handleEvents)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(commandLimiter))
		r.Post("/commands/load-track", s.handleLoadTrack)
		r.Post("/commands/fader-start", s.handleFaderStart)
	})

	if s.metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(s.core.MetricsCollector(s.startTime))
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// snapshotResponse is the JSON envelope for GET /snapshot.
type snapshotResponse struct {
	Devices []registryDevice  `json:"devices"`
	Players []trackerSnapshot `json:"players"`
	Master  masterRole        `json:"master"`
	Clock   clockSnapshot     `json:"clock"`
}

type registryDevice struct {
	DeviceNumber byte   `json:"device_number"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	IP           string `json:"ip"`
}

type trackerSnapshot struct {
	DeviceNumber      byte   `json:"device_number"`
	EffectiveBpmCenti uint16 `json:"effective_bpm_centi"`
	BeatInBar         byte   `json:"beat_in_bar"`
	BeatCounter       uint32 `json:"beat_counter"`
	Playing           bool   `json:"playing"`
	Master            bool   `json:"master"`
}

type masterRole struct {
	CurrentMaster byte   `json:"current_master"`
	State         string `json:"state"`
}

type clockSnapshot struct {
	EffectiveBpmCenti uint16 `json:"effective_bpm_centi"`
	Stale             bool   `json:"stale"`
	Source            string `json:"source"`
	Resyncs           uint64 `json:"resyncs"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	devices := s.core.Registry().Snapshot()
	out := snapshotResponse{}
	for _, d := range devices {
		out.Devices = append(out.Devices, registryDevice{
			DeviceNumber: d.DeviceNumber,
			Kind:         kindName(d.Kind),
			Name:         d.Name,
			IP:           d.IP.String(),
		})
	}
	for _, p := range s.core.Tracker().All() {
		out.Players = append(out.Players, trackerSnapshot{
			DeviceNumber:      p.DeviceNumber,
			EffectiveBpmCenti: p.EffectiveBpmCenti,
			BeatInBar:         p.BeatInBar,
			BeatCounter:       p.BeatCounter,
			Playing:           p.Playing,
			Master:            p.Master,
		})
	}
	role := s.core.Negotiator().Role()
	out.Master = masterRole{CurrentMaster: role.CurrentMaster, State: string(s.core.Negotiator().State())}

	clk := s.core.BeatClock().Snapshot()
	out.Clock = clockSnapshot{
		EffectiveBpmCenti: clk.EffectiveBpmCenti,
		Stale:             clk.Stale,
		Source:            clk.Source.String(),
		Resyncs:           clk.Resyncs,
	}

	writeJSON(w, http.StatusOK, out)
}

func kindName(k wire.Kind) string {
	switch k {
	case wire.KindCDJ:
		return "cdj"
	case wire.KindMixer:
		return "mixer"
	case wire.KindRekordbox:
		return "rekordbox"
	default:
		return "unknown"
	}
}

// handleEvents is a long-poll endpoint: it subscribes to the event bus
// and streams newline-delimited JSON events until the client disconnects
// or a write fails; there is no idle timeout.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.core.Bus().Subscribe()
	defer s.core.Bus().Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(eventPayload(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type eventEnvelope struct {
	Kind         string `json:"kind"`
	DeviceNumber byte   `json:"device_number,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func eventPayload(ev events.Event) eventEnvelope {
	return eventEnvelope{Kind: string(ev.Kind), DeviceNumber: ev.DeviceNumber, Data: ev.Data}
}

type loadTrackRequest struct {
	TargetDevice byte   `json:"target_device"`
	SourceDevice byte   `json:"source_device"`
	Slot         byte   `json:"slot"`
	TrackID      uint32 `json:"track_id"`
}

func (s *Server) handleLoadTrack(w http.ResponseWriter, r *http.Request) {
	var req loadTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.core.Commands().LoadTrack(r.Context(), req.TargetDevice, req.SourceDevice, wire.Slot(req.Slot), req.TrackID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type faderStartRequest struct {
	Device byte `json:"device"`
	Start  bool `json:"start"`
}

func (s *Server) handleFaderStart(w http.ResponseWriter, r *http.Request) {
	var req faderStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.core.Commands().FaderStart(r.Context(), req.Device, req.Start); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
