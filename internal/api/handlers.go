package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connpro/orchestrator/internal/analytics"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/templates"
)

var startTime = time.Now()

type Handlers struct {
	Deps
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{Deps: d}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.Config.NodeID,
		"version":        "0.1.0",
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	st := h.Controller.Status()
	resp := map[string]any{
		"node_id":        h.Config.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"job": map[string]any{
			"state":      st.State,
			"is_running": st.IsRunning,
			"current":    st.Current,
			"total":      st.Total,
		},
	}
	if h.Agents != nil {
		resp["agents"] = h.Agents.Stats()
	}
	if h.Hub != nil {
		resp["observers"] = h.Hub.Count()
	}
	if h.Analytics != nil {
		t := h.Analytics.Snapshot()
		resp["items"] = map[string]int{
			"sent":       t.TotalSent,
			"successful": t.Successful,
			"failed":     t.Failed,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type StartRequest struct {
	Items      []string `json:"items"`
	Note       string   `json:"note"`
	TemplateID string   `json:"template_id,omitempty"`
	DelayMS    *int64   `json:"delay_ms,omitempty"`
	StartIndex *int     `json:"start_index,omitempty"`
}

func (h *Handlers) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sr := job.StartRequest{
		Items:      req.Items,
		Note:       req.Note,
		TemplateID: req.TemplateID,
		Delay:      -1,
		StartIndex: req.StartIndex,
	}
	if req.DelayMS != nil {
		if *req.DelayMS < 0 {
			writeError(w, http.StatusBadRequest, "delay_ms must not be negative")
			return
		}
		sr.Delay = time.Duration(*req.DelayMS) * time.Millisecond
	}

	if sr.Note == "" && sr.TemplateID != "" && h.Templates != nil {
		tpl, err := h.Templates.Get(sr.TemplateID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		sr.Note = tpl.Body
	}

	st, err := h.Controller.Start(sr)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Stop())
}

func (h *Handlers) ResetJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.Controller.Reset()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Status())
}

func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Analytics.Snapshot())
}

func (h *Handlers) AnalyticsCSV(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("connections-%s.csv", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := analytics.WriteCSV(w, h.Analytics.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handlers) ClearAnalytics(w http.ResponseWriter, r *http.Request) {
	if err := h.Analytics.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.Templates.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Templates.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

type templateBody struct {
	Body string `json:"body"`
}

func (h *Handlers) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	tpl, err := h.Templates.Put(chi.URLParam(r, "id"), req.Body)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Templates.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Controller.Settings())
}

// SettingsPatch updates only the fields that are present.
type SettingsPatch struct {
	AutoResume    *bool `json:"auto_resume,omitempty"`
	Notifications *bool `json:"notifications,omitempty"`
	RetentionDays *int  `json:"retention_days,omitempty"`
}

func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s := h.Controller.Settings()
	if patch.AutoResume != nil {
		s.AutoResume = *patch.AutoResume
	}
	if patch.Notifications != nil {
		s.Notifications = *patch.Notifications
	}
	if patch.RetentionDays != nil {
		if *patch.RetentionDays < 0 {
			writeError(w, http.StatusBadRequest, "retention_days must not be negative")
			return
		}
		s.RetentionDays = *patch.RetentionDays
	}

	h.Controller.UpdateSettings(s)
	writeJSON(w, http.StatusOK, h.Controller.Settings())
}

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	list, err := h.Profiles.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": list, "limit": limit})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrAlreadyRunning), errors.Is(err, job.ErrRunning):
		return http.StatusConflict
	case errors.Is(err, job.ErrNoItems), errors.Is(err, templates.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, templates.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
