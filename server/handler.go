// Package server is the HTTP ingress for the depot. It maps depot operations
// onto routes and translates the depot error taxonomy into status codes; all
// domain decisions stay in the depot engine.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/depot/depot"
	"github.com/GoCodeAlone/depot/ident"
)

// Handler provides the depot HTTP API.
type Handler struct {
	depot  *depot.Depot
	logger *slog.Logger
}

// NewHandler creates a depot HTTP handler.
func NewHandler(d *depot.Depot, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{depot: d, logger: logger}
}

// RegisterRoutes registers the depot API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/depot/pkgs/{origin}/{name}", h.upload)
	mux.HandleFunc("GET /v1/depot/pkgs/{origin}/{name}/versions", h.listVersions)
	mux.HandleFunc("GET /v1/depot/pkgs/{origin}/{name}/latest", h.latest)
	mux.HandleFunc("GET /v1/depot/pkgs/{origin}/{name}/{version}/{release}", h.meta)
	mux.HandleFunc("GET /v1/depot/pkgs/{origin}/{name}/{version}/{release}/download", h.download)
	mux.HandleFunc("GET /v1/depot/channels/{origin}/{channel}/pkgs/{name}/latest", h.channelLatest)
	mux.HandleFunc("PUT /v1/depot/channels/{origin}/{channel}/pkgs/{name}/{version}/{release}", h.promote)
	mux.HandleFunc("DELETE /v1/depot/channels/{origin}/{channel}/pkgs/{name}/{version}/{release}", h.demote)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	receipt, err := h.depot.Upload(r.Context(), depot.UploadRequest{
		OriginHint:       r.PathValue("origin"),
		NameHint:         r.PathValue("name"),
		TargetHint:       r.Header.Get("X-Depot-Target"),
		DeclaredChecksum: r.Header.Get("X-Depot-Checksum"),
		Body:             r.Body,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ident":        receipt.Ident.String(),
		"size":         receipt.Size,
		"checksum":     receipt.Checksum,
		"committed_at": receipt.CommittedAt,
	})
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	page, err := h.depot.ListVersions(r.Context(),
		r.PathValue("origin"), r.PathValue("name"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	idents := make([]string, len(page.Idents))
	for i, id := range page.Idents {
		idents[i] = id.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"idents":      idents,
		"next_cursor": page.NextCursor,
	})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	q := ident.Latest(r.PathValue("origin"), r.PathValue("name"), r.URL.Query().Get("target"))
	h.resolveAndWrite(w, r, q)
}

func (h *Handler) channelLatest(w http.ResponseWriter, r *http.Request) {
	q := ident.InChannel(r.PathValue("origin"), r.PathValue("name"), r.PathValue("channel"))
	h.resolveAndWrite(w, r, q)
}

func (h *Handler) resolveAndWrite(w http.ResponseWriter, r *http.Request, q ident.Query) {
	res, err := h.depot.Resolve(r.Context(), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.Degraded {
		w.Header().Set("X-Depot-Degraded", "true")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ident": res.Ident.String()})
}

func (h *Handler) meta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdent(w, r)
	if !ok {
		return
	}
	meta, err := h.depot.Meta(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdent(w, r)
	if !ok {
		return
	}
	rc, meta, err := h.depot.Download(r.Context(), ident.Exact(id))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer rc.Close()

	name := fmt.Sprintf("%s-%s-%s-%s-%s.hart",
		meta.Ident.Origin, meta.Ident.Name, meta.Ident.Version, meta.Ident.Release, meta.Target)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	w.Header().Set("X-Depot-Checksum", meta.Checksum)
	// ServeContent handles Range requests and conditional headers.
	http.ServeContent(w, r, name, meta.CommittedAt, rc)
}

func (h *Handler) promote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdent(w, r)
	if !ok {
		return
	}
	if err := h.depot.Promote(r.Context(), id, r.PathValue("channel")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ident": id.String(), "channel": r.PathValue("channel")})
}

func (h *Handler) demote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdent(w, r)
	if !ok {
		return
	}
	if err := h.depot.Demote(r.Context(), id, r.PathValue("channel")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ident": id.String(), "channel": r.PathValue("channel")})
}

// pathIdent assembles the identifier from path segments, writing a 400 on
// malformed input.
func (h *Handler) pathIdent(w http.ResponseWriter, r *http.Request) (ident.Ident, bool) {
	id, err := ident.New(r.PathValue("origin"), r.PathValue("name"),
		r.PathValue("version"), r.PathValue("release"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return ident.Ident{}, false
	}
	return id, true
}

// writeError maps the depot error taxonomy onto the HTTP status contract.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, depot.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, depot.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, depot.ErrUploadInProgress):
		status = http.StatusLocked
	case errors.Is(err, depot.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, depot.ErrIndexUnavailable), errors.Is(err, depot.ErrIndexContention):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
