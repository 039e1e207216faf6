package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/httpstream"
	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/internal/render"
	"github.com/burpheart/gpt-tap/internal/store"
)

// maxAnalyzeBody bounds ad-hoc analyze uploads.
const maxAnalyzeBody = 32 << 20

// RecordStore gives access to recent traffic records.
type RecordStore interface {
	GetRecentRecords(limit int) []httpstream.Record
}

// Commander delivers commands to tabs.
type Commander interface {
	Send(ctx context.Context, cmd relay.Command) (relay.Reply, error)
}

// Deps are the parts of the daemon the API exposes. Nil fields disable the
// matching routes.
type Deps struct {
	Hub       *Hub
	Records   RecordStore
	Commands  Commander
	Snapshots store.Store
	Extractor *extractor.Extractor
	// Status returns the body of GET /api/status.
	Status func() any
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Extractor == nil {
		deps.Extractor = extractor.New()
	}
	return &Handler{deps: deps}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, any origin
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("component", "api").Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HandleWebSocket streams analyses and records to the client.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Str("component", "api").Err(err).Msg("websocket upgrade")
		return
	}

	client := NewClient(h.deps.Hub, conn)
	if !h.deps.Hub.Register(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	client.ReadPump()
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]any{"running": true}
	if h.deps.Status != nil {
		body = h.deps.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleGetRecords handles GET /api/records?limit=N.
func (h *Handler) HandleGetRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	records := h.deps.Records.GetRecentRecords(limit)
	if records == nil {
		records = []httpstream.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleCommand handles POST /api/commands. The body is a command; the
// response is its reply.
func (h *Handler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd relay.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode command"))
		return
	}
	if cmd.Action == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing action"))
		return
	}

	reply, err := h.deps.Commands.Send(r.Context(), cmd)
	switch {
	case errors.Is(err, relay.ErrNoHandler):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, relay.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// HandleListSnapshots handles GET /api/snapshots.
func (h *Handler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Snapshots.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGetSnapshot handles GET /api/snapshots/{id}. Stale snapshots are
// reported as missing.
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := h.deps.Snapshots.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no fresh snapshot"))
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, render.Markdown(&entry.Data))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// HandleDeleteSnapshot handles DELETE /api/snapshots/{id}.
func (h *Handler) HandleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Snapshots.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePruneSnapshots handles POST /api/snapshots/prune.
func (h *Handler) HandlePruneSnapshots(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Snapshots.Prune(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// HandleAnalyze handles POST /api/analyze: the body is a raw conversation
// document, the response its analysis (markdown with ?format=markdown).
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAnalyzeBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	result := h.deps.Extractor.Extract(raw)
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, render.Markdown(result))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CORS wraps next with permissive CORS headers and answers preflights.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes returns the API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return CORS(mux)
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("POST /api/analyze", h.HandleAnalyze)
	if h.deps.Hub != nil {
		mux.HandleFunc("GET /ws", h.HandleWebSocket)
	}
	if h.deps.Records != nil {
		mux.HandleFunc("GET /api/records", h.HandleGetRecords)
	}
	if h.deps.Commands != nil {
		mux.HandleFunc("POST /api/commands", h.HandleCommand)
	}
	if h.deps.Snapshots != nil {
		mux.HandleFunc("GET /api/snapshots", h.HandleListSnapshots)
		mux.HandleFunc("POST /api/snapshots/prune", h.HandlePruneSnapshots)
		mux.HandleFunc("GET /api/snapshots/{id}", h.HandleGetSnapshot)
		mux.HandleFunc("DELETE /api/snapshots/{id}", h.HandleDeleteSnapshot)
	}
}
