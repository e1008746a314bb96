package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"aimigrate/services/migration"
	"aimigrate/services/migration/worker"
)

func (a *API) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var req worker.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Actor = strings.TrimSpace(req.Actor)
	if req.Actor == "" {
		respondError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}
	t, err := migration.ParseAssetType(string(req.AssetType))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.AssetType = t
	if strings.TrimSpace(req.AssetID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("asset_id is required"))
		return
	}
	switch req.Stage {
	case worker.StageValidate, worker.StageMerge, worker.StageMigrate:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown stage %q", req.Stage))
		return
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.publisher.Publish(ctx, worker.SubjectRequested, req); err != nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("queue run: %w", err))
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"run_id": req.RunID,
		"stage":  req.Stage,
	})
}

func (a *API) handleRunGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid run id: %w", err))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.runs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"run": toAPI(run)})
}

type runResponse struct {
	ID         uuid.UUID      `json:"id"`
	Actor      string         `json:"actor"`
	ProjectID  string         `json:"project_id"`
	AssetType  string         `json:"asset_type"`
	AssetID    string         `json:"asset_id"`
	Stage      worker.Stage   `json:"stage"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
}

func toAPI(run worker.Run) runResponse {
	out := runResponse{
		ID:        run.ID,
		Actor:     run.Actor,
		ProjectID: run.ProjectID,
		AssetType: run.AssetType,
		AssetID:   run.AssetID,
		Stage:     run.Stage,
		Status:    run.Status,
		Result:    run.Result,
		Error:     run.Error,
	}
	if !run.StartedAt.IsZero() {
		out.StartedAt = run.StartedAt.UTC().Format(time.RFC3339)
	}
	if run.FinishedAt != nil {
		out.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return out
}
