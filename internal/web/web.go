// Package web serves the control and status API of the clock.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"eclock/internal/battery"
	"eclock/internal/config"
	"eclock/internal/convert"
	"eclock/internal/epd"
	"eclock/internal/frame"
	"eclock/internal/ingest"
	"eclock/internal/link"
	appLog "eclock/internal/log"
	"eclock/internal/model"
	"eclock/internal/scheduler"
)

// Panel is the part of the driver the API drives directly.
type Panel interface {
	Model() epd.Model
	State() epd.State
	DisplayFrame(black, red []byte, kind epd.RefreshKind) error
	Clear() error
	Sleep() error
	Reset() error
}

// Clock is the part of the scheduler the API drives.
type Clock interface {
	ForceFull()
	Redraw() error
	LastUpdate() (time.Time, epd.RefreshKind)
}

// Deps are the components behind the endpoints. Battery, Clock and
// WebSocket may be nil.
type Deps struct {
	Panel     Panel
	Session   *ingest.Session
	Frame     *frame.Buffer
	Clock     Clock
	Battery   battery.Reader
	Tracker   *link.Tracker
	WebSocket http.Handler
}

// Server provides the HTTP API.
type Server struct {
	cfg *config.Config
	d   Deps
	mux *http.ServeMux
}

// maxStreamBody bounds one POST /api/stream body.
const maxStreamBody = 4 << 20

func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{cfg: cfg, d: d, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EClock", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/mode", s.handleMode)
	s.mux.HandleFunc("POST /api/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/clear", s.handleClear)
	s.mux.HandleFunc("POST /api/sleep", s.handleSleep)
	s.mux.HandleFunc("POST /api/wake", s.handleWake)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
	if s.d.WebSocket != nil {
		s.mux.Handle("GET /ws", s.d.WebSocket)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) status() model.Status {
	m := s.d.Panel.Model()
	st := model.Status{
		Mode: s.d.Session.Mode().String(),
		Panel: model.PanelStatus{
			Model:    m.Name,
			Width:    m.Geometry.Width,
			Height:   m.Geometry.Height,
			Planes:   m.Planes.String(),
			Revision: m.Revision.Name,
			State:    s.d.Panel.State().String(),
		},
		Ingest: s.d.Session.Snapshot(),
		Links:  []string{},
	}
	if s.d.Tracker != nil {
		st.Links = s.d.Tracker.Active()
	}
	if t := s.d.Session.LastFrame(); !t.IsZero() {
		st.LastFrame = &t
	}
	if s.d.Clock != nil {
		if t, _ := s.d.Clock.LastUpdate(); !t.IsZero() {
			st.LastUpdate = &t
		}
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handleMode switches back to the clock. Image mode is entered by pushing a
// frame, so it is rejected here.
//
// POST /api/mode {"mode":"clock"} 또는 /api/mode?mode=clock
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	req := modeRequest{Mode: r.URL.Query().Get("mode")}
	if req.Mode == "" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid mode request")
			return
		}
	}
	mode, err := model.ParseAppMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if mode != model.ModeClock {
		writeError(w, http.StatusBadRequest, "image mode starts with a pushed frame")
		return
	}
	if err := s.d.Session.SwitchToClock(); err != nil {
		appLog.Error("api mode switch failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleStream feeds the request body into the frame decoder, exactly as if
// it had arrived on a serial link.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxStreamBody)
	if _, err := io.Copy(s.d.Session, body); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "stream body too large")
			return
		}
		appLog.Error("api stream failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.d.Session.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.d.Session.Cancel()})
}

// handleRefresh redraws the clock with a full refresh, or re-shows the
// current frame in image mode.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	var err error
	if s.d.Session.Mode() == model.ModeClock && s.d.Clock != nil {
		s.d.Clock.ForceFull()
		err = s.d.Clock.Redraw()
	} else {
		err = s.d.Session.Redisplay()
	}
	if err != nil {
		s.panelError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.d.Panel.Clear(); err != nil {
		s.panelError(w, "clear", err)
		return
	}
	s.d.Frame.Blank()
	if s.d.Clock != nil {
		s.d.Clock.ForceFull()
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSleep(w http.ResponseWriter, _ *http.Request) {
	if err := s.d.Panel.Sleep(); err != nil {
		s.panelError(w, "sleep", err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleWake resets a sleeping panel; the next redraw is a full one.
func (s *Server) handleWake(w http.ResponseWriter, _ *http.Request) {
	if err := s.d.Panel.Reset(); err != nil {
		s.panelError(w, "wake", err)
		return
	}
	if s.d.Clock != nil {
		s.d.Clock.ForceFull()
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) panelError(w http.ResponseWriter, op string, err error) {
	appLog.Error("api panel operation failed", err, "op", op)
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, epd.ErrNotInitialized):
		code = http.StatusConflict
	case errors.Is(err, epd.ErrBusyTimeout):
		code = http.StatusGatewayTimeout
	}
	writeError(w, code, err.Error())
}

// batteryResponse is the JSON response shape for /api/battery.
type batteryResponse struct {
	Percent   int  `json:"percent"`
	VoltageMv int  `json:"voltage_mv"`
	Stale     bool `json:"stale,omitempty"`
}

// handleBattery exposes current battery status (percent, voltage). The
// reader is expected to cache; a failed read with a previous value is
// served as stale.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.d.Battery == nil {
		writeError(w, http.StatusNotFound, "battery disabled")
		return
	}
	st, err := s.d.Battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		if st == (battery.Status{}) {
			writeError(w, http.StatusInternalServerError, "failed to read battery")
			return
		}
		writeJSON(w, http.StatusOK, batteryResponse{Percent: st.Percent, VoltageMv: st.VoltageMv, Stale: true})
		return
	}
	writeJSON(w, http.StatusOK, batteryResponse{Percent: st.Percent, VoltageMv: st.VoltageMv})
}

// handlePreview renders the frame buffer as PNG in panel orientation.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	black, red := s.d.Frame.Snapshot()
	img, err := convert.Unpack(black, red, s.d.Frame.Geometry())
	if err != nil {
		appLog.Error("preview unpack failed", err)
		writeError(w, http.StatusInternalServerError, "preview unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		appLog.Error("preview encode failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: strings.TrimSpace(msg)})
}

var _ Clock = (*scheduler.Scheduler)(nil)
