package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/connpro/orchestrator/internal/analytics"
	"github.com/connpro/orchestrator/internal/browser"
	"github.com/connpro/orchestrator/internal/config"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/profile"
	"github.com/connpro/orchestrator/internal/templates"
	"github.com/connpro/orchestrator/internal/ws"
)

type Deps struct {
	Config     *config.Config
	Controller *job.Controller
	Agents     *browser.Manager
	Bridge     *ws.Bridge
	Hub        *ws.Hub
	Analytics  *analytics.Recorder
	Templates  *templates.Registry
	Profiles   *profile.Store
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	h := NewHandlers(d)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)

	r.Route("/api", func(r chi.Router) {
		r.Route("/job", func(r chi.Router) {
			r.Post("/start", h.StartJob)
			r.Post("/stop", h.StopJob)
			r.Post("/reset", h.ResetJob)
			r.Get("/status", h.JobStatus)
		})

		r.Get("/analytics", h.GetAnalytics)
		r.Get("/analytics.csv", h.AnalyticsCSV)
		r.Delete("/analytics", h.ClearAnalytics)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.ListTemplates)
			r.Get("/{id}", h.GetTemplate)
			r.Put("/{id}", h.PutTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		if d.Profiles != nil {
			r.Get("/profiles", h.ListProfiles)
		}
	})

	// WebSocket
	if d.Bridge != nil {
		r.Get("/ws/agent", d.Bridge.HandleAgent)
	}
	if d.Hub != nil {
		r.Get("/ws/observer", d.Hub.HandleObserver)
	}

	return r
}
