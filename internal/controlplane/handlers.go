package controlplane

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/failq"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
)

func (s *Server) audit(r *http.Request, action string, details map[string]string) {
	if s.Audit == nil {
		return
	}
	s.Audit.Record(r.Context(), Actor(r.Context()), action, details)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeError(w, syncerr.Wrap(syncerr.CodeDependency, "not ready", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatusLive(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"paused": s.Engine.Paused(r.Context()),
	}
	if cur := s.Engine.Current(); cur != nil {
		resp["current_session"] = cur
	}
	if hist := s.Engine.History(1); len(hist) > 0 {
		resp["last_session"] = hist[0]
	}
	if next := s.Engine.NextRun(); !next.IsZero() {
		resp["next_run"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntityCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": s.Engine.EntityCounts(r.Context()),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Cache.Stats(r.Context()))
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Cache.Invalidate(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "cache_invalidate", map[string]string{"key": key})
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": key})
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Cache.Refresh(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "cache_refresh", map[string]string{"key": key})
	writeJSON(w, http.StatusOK, map[string]string{"refreshed": key})
}

func (s *Server) handleAPICalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, _ := strconv.Atoi(q.Get("status"))
	calls := s.Client.Calls(httpx.CallFilter{
		Service:    q.Get("service"),
		Method:     q.Get("method"),
		StatusCode: status,
		ErrorsOnly: q.Get("errors_only") == "true",
		Limit:      parseLimit(q.Get("limit"), 100, 500),
	})
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "count": len(calls)})
}

func (s *Server) handleDependencyHealth(w http.ResponseWriter, r *http.Request) {
	deps := s.Client.Health()
	healthy := true
	for _, d := range deps {
		if !d.Healthy {
			healthy = false
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": healthy, "dependencies": deps})
}

func (s *Server) handleErrorSuggestions(w http.ResponseWriter, r *http.Request) {
	hours := parseLimit(r.URL.Query().Get("hours"), 24, 24*30)
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":       hours,
		"suggestions": s.Events.Notifier().Suggestions(hours),
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	notes := s.Events.Notifier().Notifications(
		tracker.NotificationStatus(q.Get("status")),
		parseLimit(q.Get("limit"), 50, 500),
	)
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.Audit.List(r.Context(), q.Get("action"), parseLimit(q.Get("limit"), 100, 1000))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleFailedList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	recs, total, err := s.FailQ.List(r.Context(), failq.Filter{
		EntityType: entity.Type(q.Get("entity_type")),
		State:      failq.State(q.Get("state")),
		Offset:     offset,
		Limit:      parseLimit(q.Get("limit"), 50, 500),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "total": total})
}

// parseFailedID splits the composite {entity_type}:{entity_id} path id
// the failed-record routes use.
func parseFailedID(raw string) (entity.Type, string, error) {
	typStr, id, ok := strings.Cut(raw, ":")
	typ := entity.Type(typStr)
	if !ok || !typ.Valid() || id == "" {
		return "", "", syncerr.New(syncerr.CodeValidation, "id must be {entity_type}:{entity_id}")
	}
	return typ, id, nil
}

func (s *Server) handleFailedRetry(w http.ResponseWriter, r *http.Request) {
	typ, id, err := parseFailedID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "retry_record", map[string]string{"entity_type": string(typ), "entity_id": id})
	if err := s.FailQ.Retry(r.Context(), s.Engine, typ, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"retried": string(typ) + ":" + id})
}

func (s *Server) handleFailedRetryAll(w http.ResponseWriter, r *http.Request) {
	typ := entity.Type(r.URL.Query().Get("entity_type"))
	if typ != "" && !typ.Valid() {
		writeError(w, syncerr.New(syncerr.CodeValidation, "unknown entity type"))
		return
	}
	s.audit(r, "retry_record", map[string]string{"entity_type": string(typ), "scope": "all"})
	workers := s.RetryWorkers
	if workers <= 0 {
		workers = 4
	}
	res, err := s.FailQ.RetryAll(r.Context(), s.Engine, typ, workers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFailedDismiss(w http.ResponseWriter, r *http.Request) {
	typ, id, err := parseFailedID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.FailQ.Dismiss(r.Context(), typ, id); err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "dismiss_record", map[string]string{"entity_type": string(typ), "entity_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"dismissed": string(typ) + ":" + id})
}

type triggerReq struct {
	SyncType string `json:"sync_type"`
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	req := triggerReq{SyncType: "full"}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, syncerr.New(syncerr.CodeValidation, "invalid request body"))
			return
		}
	}
	sessionID, err := s.Engine.Trigger(r.Context(), req.SyncType)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit(r, "trigger_sync", map[string]string{"sync_type": req.SyncType, "session_id": sessionID})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"sync_type":  req.SyncType,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 10, 100)
	resp := map[string]any{
		"paused":  s.Engine.Paused(r.Context()),
		"history": s.Engine.History(limit),
	}
	if cur := s.Engine.Current(); cur != nil {
		resp["current_session"] = cur
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePauseGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.Engine.Paused(r.Context())})
}

type pauseReq struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handlePauseSet(w http.ResponseWriter, r *http.Request) {
	var req pauseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		writeError(w, syncerr.New(syncerr.CodeValidation, "body must be {\"paused\": true|false}"))
		return
	}
	if err := s.Engine.SetPaused(r.Context(), *req.Paused); err != nil {
		writeError(w, err)
		return
	}
	action := "resume_sync"
	if *req.Paused {
		action = "pause_sync"
	}
	s.audit(r, action, map[string]string{"paused": strconv.FormatBool(*req.Paused)})
	log.Ctx(r.Context()).Info().Bool("paused", *req.Paused).Str("actor", Actor(r.Context())).Msg("pause flag set")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	typ := entity.Type(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")
	if !typ.Valid() {
		writeError(w, syncerr.New(syncerr.CodeValidation, "unknown entity type"))
		return
	}
	start := time.Now()
	d, err := s.Engine.Compare(r.Context(), typ, id)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Ctx(r.Context()).Debug().
		Str("entity_type", string(typ)).Str("entity_id", id).
		Str("status", string(d.Status)).Dur("elapsed", time.Since(start)).
		Msg("diff computed")
	writeJSON(w, http.StatusOK, d)
}
