package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RampGo/internal/debug"
	"github.com/cjeanneret/RampGo/internal/logic/motion"
	"github.com/cjeanneret/RampGo/internal/ramp"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var (
	errNoController = errors.New("channels not configured")
	errUnknownOp    = errors.New("unknown operation")
)

// Controller is the channel control surface (implemented by *motion.Registry).
type Controller interface {
	Len() int
	Start(i int) error
	Stop(i int) error
	ToggleDirection(i int) error
	StopAll() error
	Statuses() []motion.Status
}

// RampStore holds the ramp settings shared by all channels
// (implemented by *ramp.Shared).
type RampStore interface {
	Snapshot() ramp.Params
	Apply(fn func(*ramp.Params)) (ramp.Params, error)
}

// RampUpdate is a partial ramp change; nil fields are left as they are.
type RampUpdate struct {
	RampUpRate   *float64 `json:"ramp_up_rate,omitempty"`
	RampDownRate *float64 `json:"ramp_down_rate,omitempty"`
	CycleSeconds *float64 `json:"cycle_seconds,omitempty"`
}

func (u RampUpdate) apply(p *ramp.Params) {
	if u.RampUpRate != nil {
		p.RampUpRate = *u.RampUpRate
	}
	if u.RampDownRate != nil {
		p.RampDownRate = *u.RampDownRate
	}
	if u.CycleSeconds != nil {
		p.CycleSeconds = *u.CycleSeconds
	}
}

// Limits are the accepted ranges, used by the page to bound its sliders.
type Limits struct {
	MinRate         float64 `json:"min_rate"`
	MaxRate         float64 `json:"max_rate"`
	MinCycleSeconds float64 `json:"min_cycle_seconds"`
	MaxCycleSeconds float64 `json:"max_cycle_seconds"`
}

// PanelConfig is returned by GET /config.
type PanelConfig struct {
	Ramp     ramp.Params `json:"ramp"`
	Channels int         `json:"channels"`
	Limits   Limits      `json:"limits"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	ctrl        Controller
	store       RampStore
	staticFS    fs.FS

	upgrader websocket.Upgrader
	wsNextID atomic.Int64
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl or store is nil, control requests return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, ctrl Controller, store RampStore, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		ctrl:        ctrl,
		store:       store,
		staticFS:    staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// statusFor maps a control error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ramp.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrUnknownChannel), errors.Is(err, errUnknownOp):
		return http.StatusNotFound
	case errors.Is(err, motion.ErrResourceUnavailable),
		errors.Is(err, motion.ErrShutdown),
		errors.Is(err, errNoController):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// channelAction runs one of "start", "stop" or "direction" on channel id.
func (h *Handlers) channelAction(id int, action string) error {
	if h.ctrl == nil {
		return errNoController
	}
	switch action {
	case "start":
		return h.ctrl.Start(id)
	case "stop":
		return h.ctrl.Stop(id)
	case "direction":
		return h.ctrl.ToggleDirection(id)
	default:
		return fmt.Errorf("%w %q", errUnknownOp, action)
	}
}

// applyRamp validates and applies u as a whole.
func (h *Handlers) applyRamp(u RampUpdate) (ramp.Params, error) {
	if h.store == nil {
		return ramp.Params{}, errNoController
	}
	p, err := h.store.Apply(u.apply)
	if err != nil {
		return p, err
	}
	debug.Ramp(p.RampUpRate, p.RampDownRate, p.CycleSeconds)
	if h.Broadcaster != nil {
		h.Broadcaster.Broadcast("info", fmt.Sprintf("Ramp: up=%.1f pps, down=%.1f pps, cycle=%.2fs",
			p.RampUpRate, p.RampDownRate, p.CycleSeconds))
	}
	return p, nil
}

// HandleConfig returns the current ramp settings, channel count and limits.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil || h.store == nil {
		writeError(w, errNoController)
		return
	}
	writeJSON(w, http.StatusOK, PanelConfig{
		Ramp:     h.store.Snapshot(),
		Channels: h.ctrl.Len(),
		Limits: Limits{
			MinRate:         ramp.MinRate,
			MaxRate:         ramp.MaxRate,
			MinCycleSeconds: ramp.MinCycleSeconds,
			MaxCycleSeconds: ramp.MaxCycleSeconds,
		},
	})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRamp handles PUT /ramp. Fields left out keep their value; if any
// given field is out of range nothing is applied.
func (h *Handlers) HandleRamp(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var u RampUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	p, err := h.applyRamp(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleChannels returns the status of every channel.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, errNoController)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Statuses())
}

// HandleChannelAction handles POST /channels/{id}/{action} where action is
// start, stop or direction. It responds with the channel's new status.
func (h *Handlers) HandleChannelAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	if err := h.channelAction(id, r.PathValue("action")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Statuses()[id])
}

// HandleStopAll stops every channel and returns their statuses.
func (h *Handlers) HandleStopAll(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, errNoController)
		return
	}
	if err := h.ctrl.StopAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Statuses())
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
