package migration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"aimigrate/pkg/orderedjson"
)

// ValidateRequest names the root asset to validate.
type ValidateRequest struct {
	Actor     string
	ProjectID string
	Type      AssetType
	ID        string
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Root       AssetRef       `json:"root"`
	ProjectID  string         `json:"project_id"`
	StagingDir string         `json:"staging_dir,omitempty"`
	Staged     []ExportRecord `json:"-"`
	Passed     []AssetRef     `json:"passed"`
	SoftPassed []AssetRef     `json:"soft_passed"`
	Failures   []Failure      `json:"failures"`
}

// OK reports whether validation accumulated no failures.
func (r *ValidationReport) OK() bool { return r != nil && len(r.Failures) == 0 }

func (r *ValidationReport) fail(ref AssetRef, err error) {
	r.Failures = append(r.Failures, failureOf(ref, err))
}

// Validate stages a root asset and its filtered dependencies, trial-imports
// each dependency and refreshes the project record. The returned error is
// non-nil only for invalid requests; per-asset problems land in the report.
func (o *Orchestrator) Validate(ctx context.Context, req ValidateRequest) (*ValidationReport, error) {
	if err := checkRoot("validate", req.ProjectID, req.Type, req.ID); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "migration.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("asset.type", string(req.Type)),
		attribute.String("asset.id", req.ID),
		attribute.String("project.id", req.ProjectID),
	)
	start := time.Now()
	defer o.metrics.since(stageValidate, start)

	root := AssetRef{Type: req.Type, ID: req.ID}
	report := &ValidationReport{Root: root, ProjectID: ToSentinel(req.ProjectID)}
	log := o.log.With().Str("actor", req.Actor).Str("root", root.String()).Str("project", report.ProjectID).Logger()

	if req.Type == TypeProject {
		o.stageProject(ctx, report, req.ProjectID, req.ProjectID)
		o.finishValidate(ctx, req, report)
		return report, nil
	}

	customUUID, custom := "", false
	if req.Type == TypeAgentApp {
		var err error
		customUUID, custom, err = o.registry.CustomAppUUID(ctx, req.ID)
		if err != nil {
			report.fail(root, err)
		}
	}

	var relations []LineageRelation
	switch {
	case NeedsTraversal(req.Type, custom):
		rels, err := o.resolver.Resolve(ctx, req.ID, req.Type)
		if err != nil {
			log.Error().Err(err).Msg("resolve lineage")
			report.fail(root, err)
		}
		relations = rels
	case custom:
		relations = []LineageRelation{{TargetType: TypeAgentApp, TargetKey: customUUID, Depth: 0}}
	}

	run, err := o.staging.Begin(req.ProjectID, req.Type, req.ID)
	if err != nil {
		report.fail(root, err)
		o.stageProject(ctx, report, req.ProjectID, o.stager.resolveProject(ctx, req.Type, req.ID, req.ProjectID))
		o.finishValidate(ctx, req, report)
		return report, nil
	}

	if !custom {
		o.stageInto(ctx, run, report, req.ProjectID, req.Type, req.ID, 0)
	}

	for _, rel := range relations {
		rec, ok := o.stageInto(ctx, run, report, req.ProjectID, rel.TargetType, rel.TargetKey, rel.Depth)
		// Same-type dependencies restage the root at their depth. Custom apps
		// are staged under the deployment uuid only.
		if !custom && rel.TargetType == req.Type && rel.TargetKey != req.ID {
			o.stageInto(ctx, run, report, req.ProjectID, req.Type, req.ID, rel.Depth)
		}
		if !ok || rel.Depth == 0 || rel.TargetType == TypeAgentApp {
			continue
		}
		target := AssetRef{Type: rel.TargetType, ID: rel.TargetKey}
		err := o.replay(ctx, req.Actor, req.ProjectID, rel.TargetType, rel.TargetKey, rec.Payload, ModeCreateOrSkip)
		switch {
		case err == nil:
			report.Passed = append(report.Passed, target)
			o.metrics.asset(rel.TargetType, stageValidate, outcomeSuccess)
		case IsPermission(err):
			log.Info().Err(err).Str("asset", target.String()).Msg("validation import denied, counted as pass")
			report.SoftPassed = append(report.SoftPassed, target)
			o.metrics.asset(rel.TargetType, stageValidate, outcomeCaveat)
		default:
			log.Warn().Err(err).Str("asset", target.String()).Msg("validation import failed")
			report.fail(target, err)
			o.metrics.asset(rel.TargetType, stageValidate, outcomeFailure)
		}
	}

	o.stageProject(ctx, report, req.ProjectID, o.stager.resolveProject(ctx, req.Type, req.ID, req.ProjectID))

	if ctx.Err() != nil {
		_ = run.Abort()
		report.fail(root, NewError(KindIO, "commit staging", root, ctx.Err()))
		o.finishValidate(ctx, req, report)
		return report, nil
	}
	dir, err := run.Commit()
	if err != nil {
		_ = run.Abort()
		report.fail(root, err)
	} else {
		report.StagingDir = dir
		report.Staged = run.Records()
	}

	o.finishValidate(ctx, req, report)
	return report, nil
}

// stageInto stages one asset and records soft or hard failures.
func (o *Orchestrator) stageInto(ctx context.Context, run *StagingRun, report *ValidationReport, projectID string, t AssetType, id string, depth int) (ExportRecord, bool) {
	ref := AssetRef{Type: t, ID: id}
	rec, err := o.stager.StageAsset(ctx, run, projectID, t, id, depth)
	switch {
	case err == nil:
		return rec, true
	case IsPermission(err):
		o.log.Info().Err(err).Str("asset", ref.String()).Msg("export denied, counted as pass")
		report.SoftPassed = append(report.SoftPassed, ref)
	default:
		o.log.Error().Err(err).Str("asset", ref.String()).Msg("stage asset")
		report.fail(ref, err)
	}
	return ExportRecord{}, false
}

// stageProject exports the project record and upserts it into the project file.
func (o *Orchestrator) stageProject(ctx context.Context, report *ValidationReport, callerProject, resolved string) {
	ref := AssetRef{Type: TypeProject, ID: ToSentinel(resolved)}
	caps, err := o.registry.Lookup(TypeProject)
	if err != nil {
		report.fail(ref, err)
		return
	}
	raw, err := caps.Export(ctx, ToSentinel(resolved), ToSentinel(callerProject))
	if err != nil {
		err = classify(KindExternal, "export project", ref, err)
		if IsPermission(err) {
			report.SoftPassed = append(report.SoftPassed, ref)
			return
		}
		report.fail(ref, err)
		return
	}
	doc, err := orderedjson.ParseObject(raw)
	if err != nil {
		report.fail(ref, NewError(KindParse, "export project", ref, err))
		return
	}
	if _, ok := doc.Get(projectSeqKey); !ok {
		doc.Set(projectSeqKey, projectSeqValue(ToSentinel(resolved)))
	}
	record, err := orderedjson.Marshal(doc)
	if err != nil {
		report.fail(ref, NewError(KindParse, "export project", ref, err))
		return
	}
	if _, err := o.projects.Upsert(record); err != nil {
		report.fail(ref, err)
		return
	}
	report.Passed = append(report.Passed, ref)
}

func (o *Orchestrator) finishValidate(ctx context.Context, req ValidateRequest, report *ValidationReport) {
	outcome := outcomeSuccess
	if !report.OK() {
		outcome = outcomeFailure
	}
	o.metrics.asset(req.Type, stageValidate, outcome)
	o.log.Info().
		Str("actor", req.Actor).
		Str("root", report.Root.String()).
		Bool("ok", report.OK()).
		Int("staged", len(report.Staged)).
		Int("failures", len(report.Failures)).
		Msg("validation finished")
	o.publish(ctx, SubjectValidated, Event{
		Actor:     req.Actor,
		ProjectID: report.ProjectID,
		AssetType: req.Type,
		AssetID:   req.ID,
		OK:        report.OK(),
		Failures:  failureStrings(report.Failures),
	})
}
