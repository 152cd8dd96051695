package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/model"
	"bustrack/internal/notify"
)

type stopUpdateRequest struct {
	BusID       model.ID `json:"busId"`
	CurrentStop *int     `json:"currentStop"`
}

// IncidentsHandler handles POST /v1/notify/incidents: the CRUD layer reports
// a new incident and every connected admin is alerted.
func (s *Server) IncidentsHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := s.notifyBody(w, r)
	if !ok {
		return
	}
	var inc model.Incident
	if err := json.Unmarshal(body, &inc); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON: "+err.Error(), r.URL.Path)
		return
	}
	if strings.TrimSpace(inc.Description) == "" {
		writeProblem(w, http.StatusUnprocessableEntity, "Validation Failed", "description is required", r.URL.Path)
		return
	}
	if inc.Location != nil && !inc.Location.Valid() {
		writeProblem(w, http.StatusUnprocessableEntity, "Validation Failed", "location out of range", r.URL.Path)
		return
	}
	if inc.ID == "" {
		inc.ID = model.ID(uuid.NewString())
	}
	if inc.Status == "" {
		inc.Status = "reported"
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	s.publish(w, r, notify.IncidentEvent(inc), map[string]any{"status": "accepted", "id": inc.ID})
}

// StopUpdatesHandler handles POST /v1/notify/stop-updates.
func (s *Server) StopUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := s.notifyBody(w, r)
	if !ok {
		return
	}
	var in stopUpdateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON: "+err.Error(), r.URL.Path)
		return
	}
	if in.BusID == "" || in.CurrentStop == nil || *in.CurrentStop < 0 {
		writeProblem(w, http.StatusUnprocessableEntity, "Validation Failed", "busId and a non-negative currentStop are required", r.URL.Path)
		return
	}
	s.publish(w, r, notify.StopUpdateEvent(in.BusID, *in.CurrentStop), map[string]any{"status": "accepted"})
}

// notifyBody enforces method, size and authorization for trigger endpoints.
func (s *Server) notifyBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
		return nil, false
	}
	body, err := readBody(r)
	if errors.Is(err, errBodyTooLarge) {
		writeProblem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", err.Error(), r.URL.Path)
		return nil, false
	}
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return nil, false
	}
	if err := s.authorizeNotify(r, body); err != nil {
		writeAuthProblem(w, r, err)
		return nil, false
	}
	return body, true
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request, e notify.Event, resp map[string]any) {
	if err := s.Publisher.Publish(r.Context(), e); err != nil {
		if errors.Is(err, notify.ErrInvalidEvent) {
			writeProblem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error(), r.URL.Path)
			return
		}
		s.Log.Error().Err(err).Str("kind", string(e.Kind)).Msg("publish notify event")
		writeProblem(w, http.StatusBadGateway, "Publish Failed", "notification could not be relayed", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
