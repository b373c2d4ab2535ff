package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/service"
)

const (
	defaultCheckLimit = 20
	defaultCronRuns   = 5
)

func (s *Server) createSite(w http.ResponseWriter, r *http.Request) {
	var in service.SiteInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	site, err := s.core.CreateSite(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.core.ListSites(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.core.GetSite(r.Context(), chi.URLParam(r, "site_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) updateSite(w http.ResponseWriter, r *http.Request) {
	var in service.SiteInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	site, err := s.core.UpdateSite(r.Context(), chi.URLParam(r, "site_id"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) deleteSite(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteSite(r.Context(), chi.URLParam(r, "site_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChecks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultCheckLimit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	checks, err := s.core.ListChecks(r.Context(), chi.URLParam(r, "site_id"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checks": checks})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.core.GetSnapshot(r.Context(), chi.URLParam(r, "site_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var in service.TargetInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	target, err := s.core.CreateTarget(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, target)
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.core.ListTargets(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.core.GetTarget(r.Context(), chi.URLParam(r, "target_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) updateTarget(w http.ResponseWriter, r *http.Request) {
	var in service.TargetInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	target, err := s.core.UpdateTarget(r.Context(), chi.URLParam(r, "target_id"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteTarget(r.Context(), chi.URLParam(r, "target_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	var req service.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.core.Preview(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ticker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	report, err := s.opts.Ticker.Tick(r.Context(), s.clock.Now())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if report.Enqueued == nil {
		report.Enqueued = []string{}
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) cronNext(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultCronRuns)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	from := s.clock.Now()
	if raw := r.URL.Query().Get("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeServiceError(w, r, monitor.NewConfigError("from", "must be an RFC 3339 timestamp"))
			return
		}
	}
	expr := r.URL.Query().Get("expr")
	runs, err := service.NextRuns(expr, from, n)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expr": expr, "next": runs})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, monitor.NewConfigError(name, "must be a positive integer")
	}
	return v, nil
}
