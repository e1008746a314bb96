package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"aimigrate/services/migration"
)

// handleReview returns the dev/prod pairs of a validated root as JSON, or as
// text with ?format=text.
func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	t, err := migration.ParseAssetType(chi.URLParam(r, "type"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	projectID := r.URL.Query().Get("project_id")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	data, err := a.extractor.ExtractMigrationDataFromFolder(ctx, projectID, t, id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	review := migration.NewReview(migration.AssetRef{Type: t, ID: id}, projectID, data)

	if r.URL.Query().Get("format") == "text" {
		out, err := a.renderer.Render("review.tmpl", review)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out))
		return
	}

	respondJSON(w, http.StatusOK, review)
}
