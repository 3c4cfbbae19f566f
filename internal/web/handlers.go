package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/factingest/internal/core"
	"github.com/JonMunkholm/factingest/internal/dedup"
	"github.com/JonMunkholm/factingest/internal/record"
	"github.com/JonMunkholm/factingest/internal/templates"
)

// healthTimeout bounds the database ping of /healthz.
const healthTimeout = 2 * time.Second

// decode reads a JSON body of at most MaxBodyBytes into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"limiter": s.service.LimiterStatus()})
}

// handleIngest runs one batch through the pipeline. A header drift answers
// 409 with the header change so the caller can confirm and resend.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req core.IngestRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err, nil)
		return
	}

	res, err := s.service.Ingest(r.Context(), req)
	if err != nil {
		var details any
		if res != nil {
			details = res
		}
		s.respondError(w, r, err, details)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleEnsureTable(w http.ResponseWriter, r *http.Request) {
	var id record.Identity
	if err := s.decode(w, r, &id); err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	table, err := s.service.EnsureTable(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"table": table})
}

func (s *Server) handleGetColumns(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	cols, err := s.service.GetExistingColumns(r.Context(), table)
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	names := make([]string, 0, len(cols))
	for c := range cols {
		names = append(names, c)
	}
	slices.Sort(names)
	writeJSON(w, r, http.StatusOK, map[string]any{"table": table, "columns": names})
}

func (s *Server) handleEnsureColumns(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var req struct {
		Headers []string `json:"headers"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	added, err := s.service.EnsureColumns(r.Context(), table, req.Headers)
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	if added == nil {
		added = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"table": table, "added": added})
}

type dedupPreviewRequest struct {
	Identity    record.Identity `json:"identity"`
	ShopID      string          `json:"shop_id,omitempty"`
	Rows        []record.Row    `json:"rows"`
	DedupFields []string        `json:"dedup_fields,omitempty"`
}

type dedupPreviewResponse struct {
	Stats        dedup.Stats `json:"stats"`
	Fingerprints []string    `json:"fingerprints"`
	Stored       []string    `json:"stored_fingerprints,omitempty"`
}

func (s *Server) handleDedupPreview(w http.ResponseWriter, r *http.Request) {
	var req dedupPreviewRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	res := s.service.PreviewDedup(r.Context(), req.Identity, req.ShopID, req.Rows, req.DedupFields)
	out := dedupPreviewResponse{Stats: res.Stats, Fingerprints: res.Fingerprints, Stored: res.StoredFingerprints}
	if out.Fingerprints == nil {
		out.Fingerprints = []string{}
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.service.ListTemplates(r.Context(), templates.Filter{
		Platform: q.Get("platform"),
		Domain:   q.Get("domain"),
		Status:   templates.Status(q.Get("status")),
	})
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	if list == nil {
		list = []templates.Template{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t templates.Template
	if err := s.decode(w, r, &t); err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	if strings.TrimSpace(t.Platform) == "" || strings.TrimSpace(t.Domain) == "" || len(t.HeaderColumns) == 0 {
		s.respondError(w, r, fmt.Errorf("%w: platform, domain and header_columns are required", errBadRequest), nil)
		return
	}
	saved, err := s.service.SaveTemplate(r.Context(), t)
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusCreated, saved)
}

func (s *Server) handleBestTemplate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	l := templates.Lookup{
		Platform:    q.Get("platform"),
		Domain:      q.Get("domain"),
		Granularity: q.Get("granularity"),
		SubDomain:   q.Get("sub_domain"),
	}
	if l.Platform == "" || l.Domain == "" {
		s.respondError(w, r, fmt.Errorf("%w: platform and domain are required", errBadRequest), nil)
		return
	}
	t, err := s.service.FindBestTemplate(r.Context(), l)
	if err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

func (s *Server) handleHeaderChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Columns []string `json:"columns"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err, nil)
		return
	}
	if len(req.Columns) == 0 {
		s.respondError(w, r, errors.Join(errBadRequest, core.ErrNoHeaders), nil)
		return
	}
	writeJSON(w, r, http.StatusOK, s.service.DetectHeaderChange(r.Context(), chi.URLParam(r, "id"), req.Columns))
}
