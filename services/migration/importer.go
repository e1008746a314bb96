package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"aimigrate/pkg/orderedjson"
	"aimigrate/pkg/textenc"
)

// ImportReport is the outcome of replaying a manifest.
type ImportReport struct {
	ManifestPath string     `json:"manifest_path"`
	Succeeded    []AssetRef `json:"succeeded"`
	Caveats      []Failure  `json:"caveats"`
	Failed       []Failure  `json:"failed"`
}

// OK reports whether nothing failed. Caveats do not count as failures.
func (r *ImportReport) OK() bool { return r != nil && len(r.Failed) == 0 }

// ImportFromManifest replays every entry of the manifest at manifestPath into
// the target project, in manifest order. Per-entry failures are collected in
// the report; the error is non-nil only when the manifest cannot be read.
func (o *Orchestrator) ImportFromManifest(ctx context.Context, actor, projectID, manifestPath string) (*ImportReport, error) {
	ctx, span := tracer.Start(ctx, "migration.import")
	defer span.End()
	span.SetAttributes(attribute.String("manifest", manifestPath))
	start := time.Now()
	defer o.metrics.since(stageImport, start)

	entries, err := readManifestEntries(manifestPath)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{ManifestPath: manifestPath}
	for _, entry := range entries {
		ref := AssetRef{Type: entry.Type, ID: entry.ID}
		target := projectID
		if target == "" {
			target = entry.ResolvedProjectID
		}
		err := o.replay(ctx, actor, target, entry.Type, entry.ID, entry.Payload(), ModeUpsert)
		switch {
		case err == nil:
			report.Succeeded = append(report.Succeeded, ref)
			o.metrics.asset(entry.Type, stageImport, outcomeSuccess)
		case IsPermission(err):
			o.log.Info().Err(err).Str("asset", ref.String()).Msg("import denied, recorded as caveat")
			report.Caveats = append(report.Caveats, failureOf(ref, err))
			o.metrics.asset(entry.Type, stageImport, outcomeCaveat)
		case IsExpected(err):
			o.log.Warn().Err(err).Str("asset", ref.String()).Msg("import skipped")
			report.Failed = append(report.Failed, failureOf(ref, err))
			o.metrics.asset(entry.Type, stageImport, outcomeFailure)
		default:
			o.log.Error().Err(err).Str("asset", ref.String()).Msg("import failed")
			report.Failed = append(report.Failed, failureOf(ref, err))
			o.metrics.asset(entry.Type, stageImport, outcomeFailure)
		}
	}

	o.log.Info().
		Str("actor", actor).
		Str("manifest", manifestPath).
		Int("succeeded", len(report.Succeeded)).
		Int("caveats", len(report.Caveats)).
		Int("failed", len(report.Failed)).
		Msg("manifest imported")
	return report, nil
}

// readManifestEntries loads a manifest. The project file, a bare array of
// project records, is accepted too and yields one PROJECT entry per record.
func readManifestEntries(path string) ([]ManifestEntry, error) {
	decoded, err := textenc.ReadJSONFile(path)
	if err != nil {
		return nil, NewError(KindIO, "read manifest", AssetRef{}, err)
	}
	text := bytes.TrimSpace(decoded.Text)
	if len(text) > 0 && text[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(text, &records); err != nil {
			return nil, NewError(KindParse, "read manifest", AssetRef{}, err)
		}
		entries := make([]ManifestEntry, 0, len(records))
		for _, r := range records {
			obj, err := orderedjson.ParseObject(r)
			if err != nil {
				return nil, NewError(KindParse, "read manifest", AssetRef{Type: TypeProject}, err)
			}
			key := recordKey(obj)
			entries = append(entries, ManifestEntry{FileName: projectFileName, Type: TypeProject, ID: key, ResolvedProjectID: key, Data: r})
		}
		return entries, nil
	}
	var m Manifest
	if err := json.Unmarshal(text, &m); err != nil {
		return nil, NewError(KindParse, "read manifest", AssetRef{}, err)
	}
	return m.Files, nil
}

// MigrationResult is the outcome of ImportAndMigrate.
type MigrationResult struct {
	Root         AssetRef      `json:"root"`
	ManifestPath string        `json:"manifest_path"`
	Report       *ImportReport `json:"report"`
	LedgerID     uuid.UUID     `json:"ledger_id"`
	Superseded   int64         `json:"superseded"`
}

// OK reports whether every entry was applied.
func (r *MigrationResult) OK() bool { return r != nil && r.Report.OK() }

// ImportAndMigrate replays the merged manifest of a root and, when every
// entry applied, retires older ledger masters of the same asset.
func (o *Orchestrator) ImportAndMigrate(ctx context.Context, actor, projectID string, t AssetType, id string) (*MigrationResult, error) {
	if err := checkRoot("migrate", projectID, t, id); err != nil {
		return nil, err
	}
	root := AssetRef{Type: t, ID: id}
	path := o.staging.ManifestPath(projectID, t, id)
	if t == TypeProject {
		path = o.projects.Path()
	}

	report, err := o.ImportFromManifest(ctx, actor, projectID, path)
	if err != nil {
		o.publish(ctx, SubjectMigrated, Event{Actor: actor, ProjectID: ToSentinel(projectID), AssetType: t, AssetID: id, Error: err.Error()})
		return nil, err
	}
	result := &MigrationResult{Root: root, ManifestPath: path, Report: report}

	if report.OK() && t != TypeProject {
		master, ok, err := o.ledger.LatestMaster(ctx, t, id, projectID)
		if err != nil {
			return result, classify(KindPersistence, "migrate", root, err)
		}
		if ok {
			result.LedgerID = master.ID
			n, err := o.ledger.SoftDeleteOthers(ctx, master.ID, t, id, projectID)
			if err != nil {
				return result, classify(KindPersistence, "migrate", root, err)
			}
			result.Superseded = n
		}
	}

	o.publish(ctx, SubjectMigrated, Event{
		Actor:        actor,
		ProjectID:    ToSentinel(projectID),
		AssetType:    t,
		AssetID:      id,
		OK:           report.OK(),
		ManifestPath: path,
		Failures:     failureStrings(report.Failed),
	})
	return result, nil
}

// ExtractMigrationDataFromFolder reads the staged files of a root and returns
// the environment-sensitive fields of each, grouped by type. Prod values are
// prefilled from the most recent approved values in the ledger.
func (o *Orchestrator) ExtractMigrationDataFromFolder(ctx context.Context, projectID string, t AssetType, id string) (map[AssetType][]AssetFields, error) {
	if err := checkRoot("extract", projectID, t, id); err != nil {
		return nil, err
	}
	out := make(map[AssetType][]AssetFields)
	if t == TypeProject {
		return out, nil
	}
	staged, err := o.staging.ListStaged(projectID, t, id)
	if err != nil {
		return nil, err
	}
	seen := make(map[AssetRef]bool)
	for _, entry := range staged {
		ref := AssetRef{Type: entry.Type, ID: entry.ID}
		if seen[ref] {
			continue
		}
		seen[ref] = true

		mapping := o.registry.Fields(entry.Type)
		if len(mapping) == 0 {
			continue
		}
		doc, err := readStagedDoc(entry.Path)
		if err != nil {
			if errors.Is(err, textenc.ErrUndecodable) {
				o.log.Warn().Err(err).Str("asset", ref.String()).Msg("skipping undecodable staged file")
				continue
			}
			return nil, NewError(KindParse, "extract fields", ref, err)
		}
		var values []FieldValue
		for _, fv := range ExtractFields(entry.Type, doc, mapping) {
			if !IsEmptyValue(fv.Dev) {
				values = append(values, fv)
			}
		}
		if len(values) == 0 {
			continue
		}
		values = FillProd(ctx, entry.Type, entry.ID, values, o.ledger.LatestProdValue)
		out[entry.Type] = append(out[entry.Type], AssetFields{ID: entry.ID, Fields: values})
	}
	return out, nil
}
