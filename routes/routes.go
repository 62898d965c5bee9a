// Package routes is the HTTP surface: submission, query, result download,
// capability listing and a websocket stream of job updates.
package routes

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"convertd/auth"
	"convertd/events"
	"convertd/job"
)

// Subscriber is the event bus as seen by the stream endpoint.
type Subscriber interface {
	Subscribe(handler events.Handler) func()
}

// Options wires the router to the rest of the service.
type Options struct {
	Jobs     *job.Service
	Adapters job.Adapters
	Events   Subscriber
	// Auth is enforced on the job endpoints when Auth.SecretKey is set.
	Auth           auth.Config
	MaxUploadBytes int64
	// Ping reports store health for /health; nil means always healthy.
	Ping func(ctx context.Context) error
}

type handler struct {
	opts Options
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) *mux.Router {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	h := &handler{opts: opts}

	r := mux.NewRouter()
	r.Use(logRequests)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/version", VersionHandler).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/jobs", h.submit).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.list).Methods(http.MethodGet)
	api.HandleFunc("/jobs/stream", h.stream).Methods(http.MethodGet) // keep before /{id}
	api.HandleFunc("/jobs/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/result", h.result).Methods(http.MethodGet)
	api.HandleFunc("/formats", h.formats).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	return r
}
