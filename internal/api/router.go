package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NamanBalaji/bdm/internal/logger"
)

// NewRouter sets up the status API routes and middleware. Metrics are
// served from gatherer when it is non-nil.
func NewRouter(ctl Controller, gatherer prometheus.Gatherer) *mux.Router {
	h := NewHandler(ctl)

	r := mux.NewRouter()
	r.Use(RequestID)
	r.Use(Log(logger.With("api")))

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods(http.MethodGet).Subrouter()
	get.HandleFunc("/status", h.GetStatus)
	get.HandleFunc("/tasks", h.GetTasks)
	get.HandleFunc("/queue", h.GetQueue)
	get.HandleFunc("/events", h.Events)

	post := api.Methods(http.MethodPost).Subrouter()
	post.HandleFunc("/tasks/{action:pause|resume|cancel}", h.TaskAction)
	post.HandleFunc("/pause-all", h.PauseAll)
	post.HandleFunc("/resume-all", h.ResumeAll)
	post.HandleFunc("/cancel-all", h.CancelAll)

	return r
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
