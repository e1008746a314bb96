// Package worker executes migration stages requested over the event bus and
// records each execution as a run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aimigrate/services/migration"
)

const (
	SubjectRequested   = "aimigrate.migration.requested"
	SubjectRunStarted  = "aimigrate.runs.started"
	SubjectRunFinished = "aimigrate.runs.finished"

	// StreamName is the JetStream stream carrying every worker subject.
	StreamName = "AIMIGRATE"
)

// Subjects lists every subject the stream must capture.
func Subjects() []string {
	return []string{
		SubjectRequested,
		SubjectRunStarted,
		SubjectRunFinished,
		migration.SubjectValidated,
		migration.SubjectMerged,
		migration.SubjectMigrated,
		migration.SubjectCopyFailed,
	}
}

// Runner is the subset of the orchestrator the worker drives.
type Runner interface {
	Validate(ctx context.Context, req migration.ValidateRequest) (*migration.ValidationReport, error)
	MergeToManifest(ctx context.Context, req migration.MergeRequest) (*migration.MergeResult, error)
	ImportAndMigrate(ctx context.Context, actor, projectID string, t migration.AssetType, id string) (*migration.MigrationResult, error)
}

// Bus publishes events and opens durable subscriptions. *bus.Bus satisfies it.
type Bus interface {
	Publish(ctx context.Context, subject string, v any) error
	Subscribe(ctx context.Context, subject, durable string, fn func(context.Context, []byte) error) (io.Closer, error)
}

// Worker consumes stage requests.
type Worker struct {
	runner Runner
	runs   RunStore
	bus    Bus
	log    zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// New creates a worker bound to the provided dependencies.
func New(runner Runner, runs RunStore, bus Bus, log zerolog.Logger) (*Worker, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &Worker{
		runner: runner,
		runs:   runs,
		bus:    bus,
		log:    log.With().Str("component", "worker").Logger(),
	}, nil
}

// Start registers subscriptions and begins processing requests.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil worker")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{SubjectRequested, "migration-worker-requests", w.handleRequested},
	}

	for _, spec := range specs {
		closer, err := w.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			w.Close()
			return err
		}
		w.subsMu.Lock()
		w.subs = append(w.subs, closer)
		w.subsMu.Unlock()
	}
	return nil
}

// Close tears down active subscriptions.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	var firstErr error
	for _, sub := range w.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

// handleRequested runs one stage. Stage failures are recorded on the run and
// acknowledged; only malformed requests and store failures are returned.
// Concurrent requests for the same root are not serialized.
func (w *Worker) handleRequested(ctx context.Context, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	if !req.Stage.valid() {
		return fmt.Errorf("unknown stage %q", req.Stage)
	}
	if req.AssetType == "" || req.AssetID == "" {
		return errors.New("asset_type and asset_id are required")
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	root := migration.AssetRef{Type: req.AssetType, ID: req.AssetID}
	startedAt := time.Now().UTC()
	err := w.runs.Start(ctx, Run{
		ID:        req.RunID,
		Actor:     req.Actor,
		ProjectID: req.ProjectID,
		AssetType: string(req.AssetType),
		AssetID:   req.AssetID,
		Stage:     req.Stage,
		Status:    runStatusRunning,
		StartedAt: startedAt,
	})
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}

	w.publish(ctx, SubjectRunStarted, runLifecycleEvent{
		RunID:     req.RunID,
		AssetType: req.AssetType,
		AssetID:   req.AssetID,
		Stage:     req.Stage,
		Status:    runStatusRunning,
	})

	result, ok, runErr := w.execute(ctx, req)
	status := runStatusSuccess
	errMsg := ""
	switch {
	case runErr != nil:
		status = runStatusFailed
		errMsg = runErr.Error()
	case !ok:
		status = runStatusFailed
	}

	log := w.log.With().Stringer("run_id", req.RunID).Str("stage", string(req.Stage)).Stringer("root", root).Logger()
	if status == runStatusSuccess {
		log.Info().Dur("elapsed", time.Since(startedAt)).Msg("run finished")
	} else {
		log.Warn().Str("error", errMsg).Dur("elapsed", time.Since(startedAt)).Msg("run failed")
	}

	if err := w.runs.Finish(ctx, req.RunID, status, result, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}

	w.publish(ctx, SubjectRunFinished, runLifecycleEvent{
		RunID:     req.RunID,
		AssetType: req.AssetType,
		AssetID:   req.AssetID,
		Stage:     req.Stage,
		Status:    status,
		Error:     errMsg,
	})
	return nil
}

func (w *Worker) execute(ctx context.Context, req Request) (map[string]any, bool, error) {
	switch req.Stage {
	case StageValidate:
		report, err := w.runner.Validate(ctx, migration.ValidateRequest{
			Actor:     req.Actor,
			ProjectID: req.ProjectID,
			Type:      req.AssetType,
			ID:        req.AssetID,
		})
		if err != nil {
			return nil, false, err
		}
		return toResult(report), report.OK(), nil

	case StageMerge:
		res, err := w.runner.MergeToManifest(ctx, migration.MergeRequest{
			Actor:       req.Actor,
			ProjectID:   req.ProjectID,
			ProjectName: req.ProjectName,
			Type:        req.AssetType,
			ID:          req.AssetID,
			AssetName:   req.AssetName,
			Diffs:       req.Diffs,
		})
		if err != nil {
			return nil, false, err
		}
		result := map[string]any{
			"manifest_path": res.ManifestPath,
			"ledger_id":     res.LedgerID.String(),
			"copy_tasks":    len(res.CopyTasks),
		}
		if res.Manifest != nil {
			result["file_count"] = res.Manifest.FileCount
		}
		return result, true, nil

	default:
		res, err := w.runner.ImportAndMigrate(ctx, req.Actor, req.ProjectID, req.AssetType, req.AssetID)
		if err != nil {
			return nil, false, err
		}
		return toResult(res), res.OK(), nil
	}
}

func (w *Worker) publish(ctx context.Context, subject string, v any) {
	if err := w.bus.Publish(ctx, subject, v); err != nil {
		w.log.Warn().Err(err).Str("subject", subject).Msg("publish run event")
	}
}

// toResult flattens a report into the JSON shape stored on the run.
func toResult(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
