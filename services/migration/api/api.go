// Package api exposes the migration run queue and field review over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"aimigrate/pkg/render"
	"aimigrate/services/migration"
	"aimigrate/services/migration/worker"
)

// Extractor reads the reviewable fields of a validated root.
type Extractor interface {
	ExtractMigrationDataFromFolder(ctx context.Context, projectID string, t migration.AssetType, id string) (map[migration.AssetType][]migration.AssetFields, error)
}

// API wires dependencies and the template renderer for HTTP handlers.
type API struct {
	runs      worker.RunStore
	publisher migration.Publisher
	extractor Extractor
	renderer  *render.Engine
}

// New initialises the API layer.
func New(runs worker.RunStore, publisher migration.Publisher, extractor Extractor, renderer *render.Engine) (*API, error) {
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	return &API{
		runs:      runs,
		publisher: publisher,
		extractor: extractor,
		renderer:  renderer,
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", a.handleRunSubmit)
		r.Get("/runs/{id}", a.handleRunGet)
		r.Get("/review/{type}/{id}", a.handleReview)
	})

	return r, nil
}
