package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"aimigrate/pkg/orderedjson"
	"aimigrate/pkg/textenc"
	"aimigrate/pkg/workpool"
)

const modelPathField = "model_path"

// originalJSONTypes keep their exported JSON verbatim in the manifest.
var originalJSONTypes = typeSet(TypeAgentGraph, TypeMCP)

// MergeRequest names the root to merge and the approved substitutions.
type MergeRequest struct {
	Actor       string
	ProjectID   string
	ProjectName string
	Type        AssetType
	ID          string
	AssetName   string
	Diffs       Diffs
}

// MergeResult is the outcome of MergeToManifest. CopyTasks finish after the
// call returns; callers may wait on them or ignore them.
type MergeResult struct {
	ManifestPath string
	Manifest     *Manifest
	LedgerID     uuid.UUID
	CopyTasks    []*workpool.Task
}

// stagedDoc is a staged file loaded for merging.
type stagedDoc struct {
	entry StagedEntry
	doc   *orderedjson.Object
}

// MergeToManifest consolidates the staged files of one root into a manifest,
// applying approved substitutions first, and records the result in the ledger.
func (o *Orchestrator) MergeToManifest(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if err := checkRoot("merge", req.ProjectID, req.Type, req.ID); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "migration.merge")
	defer span.End()
	span.SetAttributes(attribute.String("asset.type", string(req.Type)), attribute.String("asset.id", req.ID))
	start := time.Now()
	defer o.metrics.since(stageMerge, start)

	root := AssetRef{Type: req.Type, ID: req.ID}
	if req.Type == TypeProject {
		if _, ok, err := o.projects.Get(req.ProjectID); err != nil {
			return nil, err
		} else if !ok {
			return nil, NewError(KindNotFound, "merge", root, fmt.Errorf("project %s has not been validated", ToSentinel(req.ProjectID)))
		}
		return &MergeResult{ManifestPath: o.projects.Path()}, nil
	}

	staged, err := o.staging.ListStaged(req.ProjectID, req.Type, req.ID)
	if err != nil {
		return nil, err
	}
	if len(staged) == 0 {
		return nil, NewError(KindNotFound, "merge", root, errors.New("nothing staged; run validate first"))
	}

	docs := make([]stagedDoc, 0, len(staged))
	var maps []LedgerMapping
	for _, entry := range staged {
		doc, err := readStagedDoc(entry.Path)
		if err != nil {
			return nil, NewError(KindParse, "merge", AssetRef{Type: entry.Type, ID: entry.ID}, err)
		}
		maps = append(maps, o.ledgerMappings(entry, doc, req.Diffs)...)

		if values := req.Diffs.For(entry.Type, entry.ID); len(values) > 0 {
			ApplySubstitutions(entry.Type, doc, values, SubstituteOptions{ProdAPIKey: o.prodAPIKey})
			raw, err := orderedjson.Marshal(doc)
			if err != nil {
				return nil, NewError(KindParse, "apply substitutions", AssetRef{Type: entry.Type, ID: entry.ID}, err)
			}
			if err := WriteFileAtomic(entry.Path, raw); err != nil {
				return nil, NewError(KindIO, "apply substitutions", AssetRef{Type: entry.Type, ID: entry.ID}, err)
			}
		}
		docs = append(docs, stagedDoc{entry: entry, doc: doc})
	}

	var tasks []*workpool.Task
	if req.Type == TypeServingModel {
		tasks = o.copyModels(ctx, req, docs)
	}

	manifest := &Manifest{
		CreatedAt:   time.Now().UTC(),
		ProjectID:   ToSentinel(req.ProjectID),
		ProjectName: req.ProjectName,
		AssetType:   req.Type,
		AssetID:     req.ID,
		AssetName:   req.AssetName,
	}
	rootProject := ToSentinel(req.ProjectID)
	for _, d := range docs {
		entry, err := manifestEntry(d)
		if err != nil {
			return nil, err
		}
		if d.entry.Type == req.Type && d.entry.ID == SafeFileID(req.ID) && entry.ResolvedProjectID != "" {
			rootProject = entry.ResolvedProjectID
		}
		manifest.Files = append(manifest.Files, entry)
	}
	if project, ok, err := o.projects.Get(rootProject); err != nil {
		return nil, err
	} else if ok {
		manifest.Files = append([]ManifestEntry{{
			FileName:          projectFileName,
			Type:              TypeProject,
			ID:                rootProject,
			ResolvedProjectID: rootProject,
			Data:              project,
		}}, manifest.Files...)
	} else {
		o.log.Warn().Str("project", rootProject).Msg("project record missing from manifest")
	}
	manifest.FileCount = len(manifest.Files)

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, NewError(KindParse, "write manifest", root, err)
	}
	path := o.staging.ManifestPath(req.ProjectID, req.Type, req.ID)
	if err := WriteFileAtomic(path, raw); err != nil {
		return nil, NewError(KindIO, "write manifest", root, err)
	}

	ledgerID, err := o.ledger.Record(ctx, LedgerMaster{
		ProjectID:    req.ProjectID,
		ProjectName:  req.ProjectName,
		AssetType:    req.Type,
		AssetID:      req.ID,
		AssetName:    req.AssetName,
		ManifestPath: path,
		Actor:        req.Actor,
	}, maps)
	if err != nil {
		o.log.Error().Err(err).Str("root", root.String()).Msg("ledger write failed after manifest was written")
		o.metrics.asset(req.Type, stageMerge, outcomeFailure)
		return nil, classify(KindPersistence, "record ledger", root, err)
	}

	o.metrics.asset(req.Type, stageMerge, outcomeSuccess)
	o.log.Info().
		Str("actor", req.Actor).
		Str("root", root.String()).
		Str("manifest", path).
		Int("files", manifest.FileCount).
		Int("copies", len(tasks)).
		Msg("manifest merged")
	o.publish(ctx, SubjectMerged, Event{
		Actor:        req.Actor,
		ProjectID:    manifest.ProjectID,
		AssetType:    req.Type,
		AssetID:      req.ID,
		OK:           true,
		ManifestPath: path,
	})
	return &MergeResult{ManifestPath: path, Manifest: manifest, LedgerID: ledgerID, CopyTasks: tasks}, nil
}

func readStagedDoc(path string) (*orderedjson.Object, error) {
	decoded, err := textenc.ReadJSONFile(path)
	if err != nil {
		return nil, err
	}
	return orderedjson.ParseObject(decoded.Text)
}

// manifestEntry converts a staged document, removing prj_seq and keeping
// the verbatim JSON for structure-sensitive types.
func manifestEntry(d stagedDoc) (ManifestEntry, error) {
	ref := AssetRef{Type: d.entry.Type, ID: d.entry.ID}
	doc := d.doc.Clone()
	seq, _ := doc.Get(projectSeqKey)
	doc.Delete(projectSeqKey)

	id := d.entry.ID
	if v, ok := doc.Get(assetIDKey); ok {
		if s := projectSeqString(v); s != "" && SafeFileID(s) == d.entry.ID {
			id = s
		}
	}
	if d.entry.Type == TypeAgentGraph {
		StripGraphIDs(doc)
	}

	data, err := orderedjson.Marshal(doc)
	if err != nil {
		return ManifestEntry{}, NewError(KindParse, "build manifest entry", ref, err)
	}
	entry := ManifestEntry{
		FileName:          d.entry.Name,
		Type:              d.entry.Type,
		ID:                id,
		ResolvedProjectID: ToSentinel(projectSeqString(seq)),
		Data:              data,
	}
	if originalJSONTypes[d.entry.Type] {
		entry.OriginalJSON = string(data)
	}
	return entry, nil
}

// ledgerMappings builds the map rows for one staged document from its dev
// values, before any substitution is applied.
func (o *Orchestrator) ledgerMappings(entry StagedEntry, doc *orderedjson.Object, diffs Diffs) []LedgerMapping {
	mapping := o.registry.Fields(entry.Type)
	if len(mapping) == 0 {
		payload := doc.Clone()
		payload.Delete(projectSeqKey)
		raw, err := orderedjson.Marshal(payload)
		if err != nil {
			return nil
		}
		return []LedgerMapping{{AssetType: entry.Type, AssetID: entry.ID, Field: "*", DevValue: raw, Opaque: true}}
	}

	approved := make(map[string]any)
	for _, fv := range diffs.For(entry.Type, entry.ID) {
		approved[fv.Name] = fv.Prod
	}

	var out []LedgerMapping
	for _, fv := range ExtractFields(entry.Type, doc, mapping) {
		if IsEmptyValue(fv.Dev) {
			continue
		}
		dev, err := orderedjson.Marshal(fv.Dev)
		if err != nil {
			continue
		}
		m := LedgerMapping{AssetType: entry.Type, AssetID: entry.ID, Field: fv.Name, DevValue: dev}
		if prod, ok := approved[fv.Name]; ok && !IsEmptyValue(Normalize(prod)) {
			if raw, err := orderedjson.Marshal(Normalize(prod)); err == nil {
				m.ProdValue = raw
			}
		}
		out = append(out, m)
	}
	return out
}

// copyModels dispatches the physical copy of every staged MODEL's files.
func (o *Orchestrator) copyModels(ctx context.Context, req MergeRequest, docs []stagedDoc) []*workpool.Task {
	if o.copier == nil || o.pool == nil {
		return nil
	}
	var tasks []*workpool.Task
	for _, d := range docs {
		if d.entry.Type != TypeModel {
			continue
		}
		v, ok := d.doc.Get(modelPathField)
		src, _ := v.(string)
		if !ok || strings.TrimSpace(src) == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			o.log.Warn().Err(err).Str("model", d.entry.ID).Msg("model directory not found, skipping copy")
			continue
		}
		modelID := d.entry.ID
		task, err := o.pool.Submit("copy "+modelID, func(taskCtx context.Context) error {
			dest, err := o.copier.CopyModel(taskCtx, modelID, src)
			if err != nil {
				o.log.Error().Err(err).Str("model", modelID).Msg("model copy failed")
				o.metrics.asset(TypeModel, stageCopy, outcomeFailure)
				o.publish(taskCtx, SubjectCopyFailed, Event{
					Actor:     req.Actor,
					ProjectID: ToSentinel(req.ProjectID),
					AssetType: TypeModel,
					AssetID:   modelID,
					Error:     err.Error(),
				})
				return err
			}
			o.metrics.asset(TypeModel, stageCopy, outcomeSuccess)
			o.log.Info().Str("model", modelID).Str("dest", dest).Msg("model copied")
			return nil
		})
		if err != nil {
			o.log.Error().Err(err).Str("model", modelID).Msg("model copy not scheduled")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func stripProjectSeq(payload []byte) ([]byte, error) {
	doc, err := orderedjson.ParseObject(payload)
	if err != nil {
		return nil, err
	}
	if !doc.Delete(projectSeqKey) {
		return payload, nil
	}
	return orderedjson.Marshal(doc)
}
