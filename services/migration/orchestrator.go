package migration

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"aimigrate/pkg/workpool"
)

// Options wires an Orchestrator. Registry and Ledger are required.
type Options struct {
	Registry  *Registry
	Lineage   LineageService
	Index     ProjectIndex
	Ledger    Ledger
	Copier    ModelCopier
	Pool      *workpool.Pool
	Publisher Publisher
	Metrics   *Metrics
	Logger    zerolog.Logger
	BaseDir   string
	// ProdAPIKey is written into agent-app nodes of migrated graphs.
	ProdAPIKey string
}

// Orchestrator drives validate, merge and replay for root assets.
type Orchestrator struct {
	registry   *Registry
	resolver   *Resolver
	stager     *Stager
	staging    *Staging
	projects   *ProjectFile
	ledger     Ledger
	copier     ModelCopier
	pool       *workpool.Pool
	publisher  Publisher
	metrics    *Metrics
	log        zerolog.Logger
	prodAPIKey string
}

// New creates an orchestrator bound to the provided dependencies.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	staging := NewStaging(opts.BaseDir)
	return &Orchestrator{
		registry:   opts.Registry,
		resolver:   NewResolver(opts.Lineage),
		stager:     NewStager(opts.Registry, opts.Index),
		staging:    staging,
		projects:   NewProjectFile(staging.ProjectFilePath()),
		ledger:     opts.Ledger,
		copier:     opts.Copier,
		pool:       opts.Pool,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "migration").Logger(),
		prodAPIKey: opts.ProdAPIKey,
	}, nil
}

// Staging exposes the directory layout.
func (o *Orchestrator) Staging() *Staging { return o.staging }

// Projects exposes the project record file.
func (o *Orchestrator) Projects() *ProjectFile { return o.projects }

// Failure is one per-asset problem recorded in a report.
type Failure struct {
	Asset   AssetRef `json:"asset"`
	Kind    string   `json:"kind"`
	Message string   `json:"message"`
}

func failureOf(ref AssetRef, err error) Failure {
	return Failure{Asset: ref, Kind: KindOf(err).String(), Message: err.Error()}
}

func failureStrings(fs []Failure) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Asset.String()+": "+f.Message)
	}
	return out
}

func checkRoot(op, projectID string, t AssetType, id string) error {
	if strings.TrimSpace(id) == "" {
		return Errorf(KindValidation, op, "asset id is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return Errorf(KindValidation, op, "project id is required")
	}
	if _, err := ParseAssetType(string(t)); err != nil {
		return NewError(KindValidation, op, AssetRef{}, err)
	}
	return nil
}

// stripProjectSeqTypes carry prj_seq as metadata only; their importers reject it.
var stripProjectSeqTypes = typeSet(TypeAgentGraph, TypeFewShot, TypePrompt, TypeMCP)

// replay imports one payload into the target. The returned error is
// classified; nil means the asset was applied.
func (o *Orchestrator) replay(ctx context.Context, actor, targetProject string, t AssetType, id string, payload []byte, mode ImportMode) error {
	ref := AssetRef{Type: t, ID: id}
	caps, err := o.registry.Lookup(t)
	if err != nil {
		return err
	}
	if stripProjectSeqTypes[t] {
		payload, err = stripProjectSeq(payload)
		if err != nil {
			return NewError(KindParse, "prepare import", ref, err)
		}
	}
	exists := false
	if t != TypeProject && t != TypeAgentApp {
		exists = o.registry.Exists(ctx, t, id)
	}
	err = caps.Import(ctx, ImportRequest{
		Type:            t,
		ID:              id,
		Payload:         payload,
		TargetProjectID: ToSentinel(targetProject),
		Exists:          exists,
		Mode:            mode,
		Actor:           actor,
	})
	return classify(KindExternal, "import asset", ref, err)
}
