// Package api serves the piperd admin endpoints.
package api

import (
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/piper/internal/db"
	"github.com/banshee-data/piper/internal/httputil"
	"github.com/banshee-data/piper/internal/piper"
	"github.com/banshee-data/piper/internal/registers"
	"github.com/banshee-data/piper/internal/serialmux"
	"github.com/banshee-data/piper/internal/version"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server exposes a running engine over HTTP. The journal and interrupts are
// optional.
type Server struct {
	engine     *piper.Engine
	db         *db.DB
	interrupts *registers.Interrupts
	started    time.Time

	mu    sync.RWMutex
	names map[byte]string
}

func NewServer(e *piper.Engine, database *db.DB, interrupts *registers.Interrupts) *Server {
	return &Server{
		engine:     e,
		db:         database,
		interrupts: interrupts,
		started:    time.Now(),
		names:      make(map[byte]string),
	}
}

// NamePipe labels a pipe in the piper-pipes listing.
func (s *Server) NamePipe(pipeID byte, name string) {
	s.mu.Lock()
	s.names[pipeID] = name
	s.mu.Unlock()
}

type pipeInfo struct {
	ID   byte   `json:"id"`
	Name string `json:"name,omitempty"`
}

type pipesResponse struct {
	Capacity int        `json:"capacity"`
	Pipes    []pipeInfo `json:"pipes"`
}

type statsResponse struct {
	piper.Stats
	Uptime string `json:"uptime"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the serialmux tail stream working behind the middleware.
func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// AttachAdminRoutes mounts the engine routes under /debug/, along with the
// journal routes when a database was given.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("piper-stats", "Engine counters and dispatch latency", s.handleStats)
	debug.HandleFunc("piper-pipes", "Registered pipes", s.handlePipes)
	debug.HandleSilentFunc("piper-send", s.handleSend)
	if s.interrupts != nil {
		debug.HandleSilentFunc("piper-interrupt", s.handleInterrupt)
	}
	debug.HandleFunc("piper-version", "Build information", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, version.Get())
	})

	if s.db != nil {
		return s.db.AttachAdminRoutes(mux)
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, statsResponse{
		Stats:  s.engine.Stats(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePipes(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Pipes()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.mu.RLock()
	pipes := make([]pipeInfo, 0, len(ids))
	for _, id := range ids {
		pipes = append(pipes, pipeInfo{ID: id, Name: s.names[id]})
	}
	s.mu.RUnlock()

	httputil.WriteJSONOK(w, pipesResponse{Capacity: s.engine.Capacity(), Pipes: pipes})
}

// handleSend writes one unsolicited frame. It does not wait for anything.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	pipe, payload, err := serialmux.ParsePacketForm(r.FormValue("pipe"), r.FormValue("hex"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.engine.WritePacket(pipe, payload); err != nil {
		if errors.Is(err, piper.ErrPayloadTooLarge) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"pipe": int(pipe), "bytes": len(payload)})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	index, err := strconv.ParseUint(strings.TrimSpace(r.FormValue("index")), 0, 8)
	if err != nil {
		httputil.BadRequest(w, "invalid index")
		return
	}
	sent, err := s.interrupts.Trigger(byte(index))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"index": index, "sent": sent})
}
