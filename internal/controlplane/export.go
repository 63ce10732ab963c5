package controlplane

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/syncerr"
	"github.com/fieldops/safesync/internal/tracker"
)

// handleExport streams one report as JSON or CSV. Reports cover the
// in-memory event window; long-term history lives in the JSONL artifacts.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	report := chi.URLParam(r, "report")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, syncerr.New(syncerr.CodeValidation, "format must be json or csv"))
		return
	}
	hours := parseLimit(r.URL.Query().Get("hours"), 24, 24*30)
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	if report != "changes" && report != "errors" && report != "suggestions" {
		writeError(w, syncerr.New(syncerr.CodeNotFound, fmt.Sprintf("unknown report %q", report)))
		return
	}
	s.audit(r, "export", map[string]string{
		"report": report,
		"format": format,
		"hours":  strconv.Itoa(hours),
	})

	switch report {
	case "changes":
		s.exportEvents(w, r, format, cutoff, false)
	case "errors":
		s.exportEvents(w, r, format, cutoff, true)
	case "suggestions":
		s.exportSuggestions(w, format, hours)
	}
}

func (s *Server) exportEvents(w http.ResponseWriter, r *http.Request, format string, cutoff time.Time, errorsOnly bool) {
	var events []tracker.ChangeEvent
	for _, ev := range s.Events.Tracker().Recent(10000) {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if errorsOnly && ev.Operation != tracker.OpError {
			continue
		}
		events = append(events, ev)
	}

	if format == "json" {
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=report.csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "session_id", "entity_type", "entity_id", "operation", "reason", "error"})
	for _, ev := range events {
		cw.Write([]string{
			ev.Timestamp.UTC().Format(time.RFC3339),
			ev.SessionID,
			string(ev.EntityType),
			ev.EntityID,
			string(ev.Operation),
			ev.Reason,
			ev.Error,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("csv export write failed")
	}
}

func (s *Server) exportSuggestions(w http.ResponseWriter, format string, hours int) {
	sugs := s.Events.Notifier().Suggestions(hours)
	if format == "json" {
		writeJSON(w, http.StatusOK, map[string]any{"hours": hours, "suggestions": sugs})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=suggestions.csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{"error_type", "entity_type", "count", "severity"})
	for _, sg := range sugs {
		cw.Write([]string{string(sg.ErrorType), string(sg.EntityType), strconv.Itoa(sg.Count), sg.Severity})
	}
	cw.Flush()
}
