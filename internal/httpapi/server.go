// Package httpapi exposes the receiver on a small local HTTP control API.
package httpapi

import (
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/controller"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/discovery"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/media"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/protocol"
	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
)

// JPEGQuality is used for the frame snapshot endpoints.
const JPEGQuality = 80

// Server serves the control API.
type Server struct {
	log      zerolog.Logger
	ctrl     *controller.Controller
	selector *roi.Selector
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// New builds the router. A nil gatherer serves the default registry.
func New(log zerolog.Logger, ctrl *controller.Controller, selector *roi.Selector, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		log:      log.With().Str("component", "httpapi").Logger(),
		ctrl:     ctrl,
		selector: selector,
		gatherer: gatherer,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	r.HandleFunc("/play", s.handlePlay).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/toggle", s.handleToggle).Methods(http.MethodPost)
	r.HandleFunc("/framerate", s.handleFrameRate).Methods(http.MethodPost)
	r.HandleFunc("/resolution", s.handleResolution).Methods(http.MethodPost)
	r.HandleFunc("/camera", s.handleCamera).Methods(http.MethodPost)

	r.HandleFunc("/pointer", s.handlePointer).Methods(http.MethodPost)
	r.HandleFunc("/roi", s.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/tracking/stop", s.handleStopTracking).Methods(http.MethodPost)
	r.HandleFunc("/fast-roi", s.handleFastROI).Methods(http.MethodPost)
	r.HandleFunc("/fast-roi/confirm", s.handleFastROIConfirm).Methods(http.MethodPost)
	r.HandleFunc("/transforms/{name}", s.handleTransform).Methods(http.MethodPost)
	r.HandleFunc("/server/{command}", s.handleServerCommand).Methods(http.MethodPost)

	r.HandleFunc("/frame.jpg", s.handleFrame).Methods(http.MethodGet)
	r.HandleFunc("/roi.jpg", s.handleRegionFrame).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, okResponse{OK: true})
	case errors.Is(err, protocol.ErrNotConnected), errors.Is(err, controller.ErrNoServer):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type connectRequest struct {
	Bundle *discovery.Bundle `json:"bundle"`
	TXT    map[string]string `json:"txt"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var b discovery.Bundle
	switch {
	case req.Bundle != nil:
		b = *req.Bundle
	case req.TXT != nil:
		var err error
		if b, err = discovery.FromTXT(req.TXT, nil); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("bundle or txt is required"))
		return
	}
	if err := b.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.ctrl.ApplyDiscovery(r.Context(), b); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Reconnect(r.Context())
	if errors.Is(err, protocol.ErrReconnectFailed) {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeResult(w, err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Disconnect()
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handlePlay(w http.ResponseWriter, _ *http.Request) {
	s.writeResult(w, s.ctrl.Play())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.writeResult(w, s.ctrl.Stop())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	playing, err := s.ctrl.Toggle()
	if err != nil {
		s.writeResult(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"playing": playing})
}

func (s *Server) handleFrameRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FPS float64 `json:"fps"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.SetFrameRate(req.FPS); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.ctrl.SetStreamResolution(req.Index)
	s.writeWarning(w, err)
}

// writeWarning reports a join overrun as a warning on an otherwise
// successful response.
func (s *Server) writeWarning(w http.ResponseWriter, err error) {
	if err != nil && controller.IsWarning(err) {
		s.writeJSON(w, http.StatusOK, okResponse{OK: true, Warning: err.Error()})
		return
	}
	s.writeResult(w, err)
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.ctrl.UseCamera(req.Enabled)
	if errors.Is(err, controller.ErrNoCamera) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeWarning(w, err)
}

type pointerRequest struct {
	Action   string       `json:"action"`
	X        int          `json:"x"`
	Y        int          `json:"y"`
	Viewport roi.Viewport `json:"viewport"`
}

func (s *Server) handlePointer(w http.ResponseWriter, r *http.Request) {
	var req pointerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	pos := image.Pt(req.X, req.Y)
	switch req.Action {
	case "down":
		s.selector.PointerDown(pos, req.Viewport)
	case "move":
		s.selector.PointerMove(pos, req.Viewport)
	case "up":
		s.selector.PointerUp(pos, req.Viewport)
	case "cancel":
		s.selector.Cancel()
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("action must be down, move, up or cancel"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region roi.Region `json:"region"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.selector.SelectRegion(req.Region) {
		s.writeError(w, http.StatusConflict, errors.New("region not accepted in the current state"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) handleStopTracking(w http.ResponseWriter, _ *http.Request) {
	err := s.ctrl.StopTracking()
	if errors.Is(err, protocol.ErrNotConnected) {
		// stopped locally anyway
		err = nil
	}
	s.writeResult(w, err)
}

type fastROIRequest struct {
	Enabled bool         `json:"enabled"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Cursor  *image.Point `json:"cursor"`
}

func (s *Server) handleFastROI(w http.ResponseWriter, r *http.Request) {
	var req fastROIRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if !req.Enabled {
		s.selector.DisableFastROI()
		s.writeJSON(w, http.StatusOK, s.selector.Snapshot())
		return
	}
	if req.Width < 0 || req.Height < 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("width and height must not be negative"))
		return
	}

	// a missing size falls back to the configured default
	ok := s.selector.ResizeFastROI(req.Width, req.Height)
	if !ok {
		ok = s.selector.EnableFastROI(req.Width, req.Height, req.Cursor)
	}
	if !ok {
		s.writeError(w, http.StatusConflict, errors.New("fast selection not available in the current state"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) handleFastROIConfirm(w http.ResponseWriter, _ *http.Request) {
	if !s.selector.ConfirmFastROI() {
		s.writeError(w, http.StatusConflict, errors.New("no fast selection active"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.selector.Snapshot())
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.ctrl.SetTransform(name, req.Enabled); err != nil {
		if errors.Is(err, media.ErrUnknownTransform) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleServerCommand(w http.ResponseWriter, r *http.Request) {
	var fn func() error
	switch mux.Vars(r)["command"] {
	case protocol.CmdRebootServer:
		fn = s.ctrl.RebootServer
	case protocol.CmdStartStream:
		fn = s.ctrl.StartStream
	case protocol.CmdStopStream:
		fn = s.ctrl.StopStream
	case protocol.CmdToggleROI:
		fn = s.ctrl.ToggleServerROI
	case protocol.CmdToggleCrosshair:
		fn = s.ctrl.ToggleServerCrosshair
	case protocol.CmdStartTransmission, protocol.CmdStopTransmission, protocol.CmdSendCFS, protocol.CmdUpdateTracking:
		cmd := mux.Vars(r)["command"]
		fn = func() error { return s.ctrl.Command(cmd, nil) }
	default:
		s.writeError(w, http.StatusNotFound, errors.New("unknown server command"))
		return
	}
	s.writeResult(w, fn())
}

func (s *Server) writeJPEG(w http.ResponseWriter, f *media.Frame) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := jpeg.Encode(w, f.Image(), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		s.log.Debug().Err(err).Msg("encode jpeg")
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	f, err := s.ctrl.LatestFrame()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJPEG(w, f)
}

func (s *Server) handleRegionFrame(w http.ResponseWriter, _ *http.Request) {
	f, err := s.ctrl.RegionFrame()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJPEG(w, f)
}
