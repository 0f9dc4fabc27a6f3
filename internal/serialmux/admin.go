package serialmux

import (
	"bytes"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendPacketTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-packet.html.tmpl"))

// tailEvent is the JSON body of one SSE event on the tail endpoint.
type tailEvent struct {
	PipeID byte   `json:"pipe_id"`
	Hex    string `json:"hex"`
	At     string `json:"at"`
}

// ParsePacketForm reads a pipe id and a hex payload from request form
// values. Whitespace and colons inside the hex string are ignored.
func ParsePacketForm(pipeStr, hexStr string) (byte, []byte, error) {
	pipeStr = strings.TrimSpace(pipeStr)
	if pipeStr == "" {
		return 0, nil, fmt.Errorf("missing pipe")
	}
	pipe, err := strconv.ParseUint(pipeStr, 0, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid pipe %q: %w", pipeStr, err)
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.TrimSpace(hexStr))
	payload, err := hex.DecodeString(cleaned)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return byte(pipe), payload, nil
}

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP mux
// served at /debug/. These routes are accessible only over localhost or via
// Tailscale.
func (m *PipeMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic send / live tail interface using the API endpoints below.
	debug.HandleFunc("send-packet", "send a packet to a pipe on the port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct{ DefaultPipe int }{DefaultPipe: 0}
		if err := sendPacketTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-packet-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		pipe, payload, err := ParsePacketForm(r.FormValue("pipe"), r.FormValue("hex"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.SendPacket(pipe, payload); err != nil {
			http.Error(w, "Failed to write packet: "+err.Error(), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %d bytes to pipe %d", len(payload), pipe))
	})

	debug.HandleSilentFunc("mux-stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	})

	// Server-Sent Events for every frame received on the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe(AllPipes)
		defer m.Unsubscribe(id)

		// initial ping establishes the stream
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case p, ok := <-c:
				if !ok {
					return
				}
				ev, err := json.Marshal(tailEvent{
					PipeID: p.PipeID,
					Hex:    hex.EncodeToString(p.Payload),
					At:     p.At.Format(time.RFC3339Nano),
				})
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", ev); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
