// Package httpapi is the thin HTTP/JSON facade over the core pipeline
// (spec §6), modeled directly on predixaAI-backend's Handler struct +
// RegisterRoutes(chi.Router) + writeJSON/errorResponse style. It exists
// so the core has a real caller: every route here is a pass-through to a
// core component, never its own business logic.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/config"
	"github.com/caronte/caronte/internal/connfilter"
	"github.com/caronte/caronte/internal/format"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/pcapsession"
	"github.com/caronte/caronte/internal/rescan"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store"
	"github.com/caronte/caronte/internal/streamreader"
)

// maxUploadBytes bounds an in-memory pcap upload (spec §4.6's
// uploadSession); a capture larger than this belongs on disk, ingested
// with `caronte pcap ingest` instead.
const maxUploadBytes = 256 * 1024 * 1024

// Handler holds every dependency the routes need; it has no state of its
// own.
type Handler struct {
	Registry *rules.Registry
	Store    store.Store
	Reader   *streamreader.Reader
	Config   config.Config
	// Sessions and IDs back uploadSession/fileSession; both may be nil
	// if the deployment never intends to ingest captures over HTTP, in
	// which case those two routes answer with KindInternal.
	Sessions *pcapsession.Manager
	IDs      *rowid.Allocator
	// Rescan publishes a task per connection whenever a rule change bumps
	// the database version, fanning out to whatever rescan workers are
	// subscribed. A nil Rescan simply leaves stale connections as they
	// are until the next manual rescan.
	Rescan *rescan.Queue
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRoutes mounts every route of spec §6 onto r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Recoverer)

	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", h.listRules)
		r.Post("/", h.createRule)
		r.Get("/{id}", h.getRule)
		r.Put("/{id}", h.updateRule)
	})

	r.Route("/api/connections", func(r chi.Router) {
		r.Get("/", h.listConnections)
		r.Get("/{id}", h.getConnection)
		r.Get("/{id}/payload", h.getConnectionPayload)
	})

	r.Route("/api/pcap-sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Post("/upload", h.uploadSession)
		r.Post("/file", h.fileSession)
		r.Get("/{id}", h.getSession)
		r.Get("/{id}/download", h.downloadSession)
	})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.ListRules())
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, caronteerr.InvalidInput("malformed rule body: %v", err))
		return
	}
	id, err := h.Registry.AddRule(rule)
	if err != nil {
		writeError(w, err)
		return
	}
	_, version := h.Registry.CurrentDatabase()
	h.triggerRescan(r.Context(), version)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid rule id"))
		return
	}
	rule, err := h.Registry.GetRule(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid rule id"))
		return
	}
	var patch rules.RulePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, caronteerr.InvalidInput("malformed rule patch: %v", err))
		return
	}
	_, beforeVersion := h.Registry.CurrentDatabase()
	version, err := h.Registry.UpdateRule(id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	_, afterVersion := h.Registry.CurrentDatabase()
	if afterVersion != beforeVersion {
		h.triggerRescan(r.Context(), afterVersion)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": version})
}

// triggerRescan fans a rescan task out to every existing connection,
// letting Pipeline.Rescan's own version check no-op the ones a worker
// already brought current. A nil Rescan or a listing failure leaves
// stale connections to be picked up by the next successful rule change,
// the same fire-and-forget tolerance rescan.Enqueue documents.
func (h *Handler) triggerRescan(ctx context.Context, version uint64) {
	if h.Rescan == nil {
		return
	}
	conns, err := h.Store.Connections().Find(ctx, store.Filter{}, store.FindOptions{})
	if err != nil {
		return
	}
	ids := make([]rowid.RowID, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	_ = h.Rescan.EnqueueAll(ids, version)
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	opts := pageOptions(r, h.Config.DefaultQueryLimit)

	conns, err := h.Store.Connections().Find(r.Context(), store.Filter{}, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	if f := r.URL.Query().Get("filter"); f != "" {
		compiled, err := connfilter.Compile(f)
		if err != nil {
			writeError(w, err)
			return
		}
		conns, err = compiled.Filter(conns)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid connection id"))
		return
	}
	conn, err := h.Store.Connections().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) getConnectionPayload(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid connection id"))
		return
	}

	limit := h.Config.DefaultQueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	skip := 0
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			skip = n
		}
	}

	entries, err := h.Reader.GetConnectionPayload(r.Context(), id, streamreader.Options{
		Format: format.Parse(r.URL.Query().Get("format")),
		Skip:   skip,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	opts := pageOptions(r, h.Config.DefaultQueryLimit)
	sessions, err := h.Store.PcapSessions().Find(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// uploadSession accepts a whole pcap capture over HTTP (spec §4.6's
// uploadSession), reassembles it in memory, and persists the resulting
// session row plus the raw bytes so downloadSession can hand the same
// capture back later.
func (h *Handler) uploadSession(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil || h.IDs == nil {
		writeError(w, caronteerr.Internal("pcap upload is not configured on this deployment"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, caronteerr.InvalidInput("malformed upload: %v", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, caronteerr.InvalidInput("missing file field: %v", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, caronteerr.InvalidInput("read upload: %v", err))
		return
	}

	flushAll := true
	if v := r.FormValue("flush_all"); v != "" {
		flushAll, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, caronteerr.InvalidInput("invalid flush_all: %v", err))
			return
		}
	}

	startedAt := time.Now()
	result, err := h.Sessions.UploadSession(data, flushAll)
	if err != nil {
		writeError(w, err)
		return
	}

	id := h.IDs.Next()
	session := pcapsession.BuildSessionRow(id, startedAt, result)
	if err := h.Store.PcapSessions().Insert(r.Context(), session); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.PcapSessions().SaveRaw(r.Context(), id, data); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// fileSession processes a capture already sitting on disk where the API
// server runs (spec §4.6's fileSession, surfaced at POST /api/pcap-sessions/file),
// as opposed to uploadSession's in-memory multipart body.
func (h *Handler) fileSession(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil || h.IDs == nil {
		writeError(w, caronteerr.Internal("pcap file ingestion is not configured on this deployment"))
		return
	}

	var body struct {
		File               string `json:"file"`
		FlushAll           *bool  `json:"flush_all"`
		DeleteOriginalFile bool   `json:"delete_original_file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, caronteerr.InvalidInput("malformed request body: %v", err))
		return
	}
	if body.File == "" {
		writeError(w, caronteerr.InvalidInput("missing file path"))
		return
	}
	flushAll := true
	if body.FlushAll != nil {
		flushAll = *body.FlushAll
	}

	startedAt := time.Now()
	result, err := h.Sessions.FileSession(body.File, flushAll, body.DeleteOriginalFile)
	if err != nil {
		writeError(w, err)
		return
	}

	id := h.IDs.Next()
	session := pcapsession.BuildSessionRow(id, startedAt, result)
	if err := h.Store.PcapSessions().Insert(r.Context(), session); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) downloadSession(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid pcap session id"))
		return
	}
	data, err := h.Store.PcapSessions().LoadRaw(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := rowid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, caronteerr.InvalidInput("invalid pcap session id"))
		return
	}
	session, err := h.Store.PcapSessions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func pageOptions(r *http.Request, defaultLimit int) store.FindOptions {
	opts := store.FindOptions{Limit: defaultLimit}
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Skip = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a caronteerr.Kind onto the HTTP status spec §7 assigns
// it.
func writeError(w http.ResponseWriter, err error) {
	kind := caronteerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case caronteerr.KindInvalidInput:
		status = http.StatusBadRequest
	case caronteerr.KindNotFound:
		status = http.StatusNotFound
	case caronteerr.KindConflict:
		status = http.StatusConflict
	case caronteerr.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	case caronteerr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Ok: false, Code: kind.String(), Message: err.Error()})
}
