package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/state"
)

const (
	defaultLimit = 100
	defaultRuns  = 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// eventsQuery holds the query parameters of GET /api/v1/events.
type eventsQuery struct {
	Group            string
	Platform         string `validate:"omitempty,oneof=meetup luma ics homeassistant"`
	From             time.Time
	To               time.Time
	IncludeCancelled bool
	Limit            int `validate:"gte=1,lte=1000"`
	Offset           int `validate:"gte=0"`
}

type runsQuery struct {
	Limit int `validate:"gte=1,lte=200"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.versions.Current(r.Context())
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "unavailable", "sync version unavailable", err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	s.respondJSON(w, http.StatusOK, map[string]string{"version": v})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventsQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	events, err := s.store.ListEvents(r.Context(), state.EventFilter{
		GroupID:          q.Group,
		Platform:         model.Platform(q.Platform),
		From:             q.From,
		To:               q.To,
		IncludeCancelled: q.IncludeCancelled,
		Limit:            q.Limit,
		Offset:           q.Offset,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", "listing events failed", err)
		return
	}
	out := listResponse[eventJSON]{Data: make([]eventJSON, 0, len(events))}
	for _, e := range events {
		out.Data = append(out.Data, toEventJSON(e))
	}
	out.Meta = listMeta{Count: len(out.Data), Limit: q.Limit, Offset: q.Offset}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", "loading event failed", err)
		return
	}
	if e == nil {
		s.respondError(w, http.StatusNotFound, "not_found", "event not found", nil)
		return
	}
	s.respondJSON(w, http.StatusOK, toEventJSON(e))
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", "listing groups failed", err)
		return
	}
	out := listResponse[groupJSON]{Data: make([]groupJSON, 0, len(groups))}
	for _, g := range groups {
		out.Data = append(out.Data, toGroupJSON(g))
	}
	out.Meta = listMeta{Count: len(out.Data)}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", "loading group failed", err)
		return
	}
	if g == nil {
		s.respondError(w, http.StatusNotFound, "not_found", "group not found", nil)
		return
	}
	s.respondJSON(w, http.StatusOK, toGroupJSON(g))
}

// handleRuns lists the run log. No-op and failed runs leave the sync version
// unchanged, so the response is never keyed on it.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := runsQuery{Limit: defaultRuns}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_query", "limit must be an integer", nil)
			return
		}
		q.Limit = n
	}
	if err := checkQuery(&q); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}
	runs, err := s.store.RecentRuns(r.Context(), q.Limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", "listing runs failed", err)
		return
	}
	out := listResponse[runJSON]{Data: make([]runJSON, 0, len(runs))}
	for _, run := range runs {
		out.Data = append(out.Data, toRunJSON(run))
	}
	out.Meta = listMeta{Count: len(out.Data), Limit: q.Limit}
	w.Header().Set("Cache-Control", "no-cache")
	s.respondJSON(w, http.StatusOK, out)
}

func parseEventsQuery(r *http.Request) (eventsQuery, error) {
	v := r.URL.Query()
	q := eventsQuery{
		Group:    v.Get("group"),
		Platform: v.Get("platform"),
		Limit:    defaultLimit,
	}
	var err error
	if raw := v.Get("from"); raw != "" {
		if q.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, fmt.Errorf("from must be RFC 3339: %w", err)
		}
	}
	if raw := v.Get("to"); raw != "" {
		if q.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return q, fmt.Errorf("to must be RFC 3339: %w", err)
		}
	}
	if raw := v.Get("include_cancelled"); raw != "" {
		if q.IncludeCancelled, err = strconv.ParseBool(raw); err != nil {
			return q, errors.New("include_cancelled must be a boolean")
		}
	}
	if raw := v.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, errors.New("limit must be an integer")
		}
	}
	if raw := v.Get("offset"); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil {
			return q, errors.New("offset must be an integer")
		}
	}
	return q, checkQuery(&q)
}

// checkQuery validates a query struct and reports the first failing field.
func checkQuery(q any) error {
	err := validate.Struct(q)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return fmt.Errorf("%s failed %q", f.Field(), f.Tag())
	}
	return err
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		s.logger.Error("API error", "code", code, "status", status, "error", err)
	}
	// Error bodies are never cached under the version ETag.
	w.Header().Del("ETag")
	w.Header().Set("Cache-Control", "no-store")
	s.respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}
