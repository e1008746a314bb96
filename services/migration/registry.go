package migration

import (
	"context"
	"fmt"
	"sync"
)

// ImportMode selects how an importer treats an asset that already exists.
type ImportMode string

const (
	// ModeUpsert updates existing assets and creates missing ones.
	ModeUpsert ImportMode = "upsert"
	// ModeCreateOrSkip leaves existing assets untouched; used while validating.
	ModeCreateOrSkip ImportMode = "create_or_skip"
)

// ImportRequest is the input to an Import capability.
type ImportRequest struct {
	Type            AssetType
	ID              string
	Payload         []byte
	TargetProjectID string
	Exists          bool
	Mode            ImportMode
	Actor           string
}

// Deployment describes where an agent app is served.
type Deployment struct {
	UUID       string `json:"uuid"`
	TargetType string `json:"target_type"`
}

const externalGraphTarget = "external_graph"

type (
	ExportFunc      func(ctx context.Context, id, projectID string) ([]byte, error)
	ImportFunc      func(ctx context.Context, req ImportRequest) error
	ExistsFunc      func(ctx context.Context, id string) (bool, error)
	DeploymentsFunc func(ctx context.Context, id string) ([]Deployment, error)
)

// Capabilities is the set of operations one asset type supports. Export and
// Import are required; the rest are optional.
type Capabilities struct {
	Export      ExportFunc
	Import      ImportFunc
	Exists      ExistsFunc
	Deployments DeploymentsFunc
	Fields      FieldMapping
}

// Registry dispatches per-type operations.
type Registry struct {
	mu   sync.RWMutex
	caps map[AssetType]Capabilities
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[AssetType]Capabilities)}
}

// Register installs caps for t, replacing anything registered before. Field
// mappings default to DefaultFieldMappings.
func (r *Registry) Register(t AssetType, caps Capabilities) error {
	if _, err := ParseAssetType(string(t)); err != nil {
		return err
	}
	if caps.Export == nil || caps.Import == nil {
		return fmt.Errorf("register %s: export and import are required", t)
	}
	if caps.Fields == nil {
		caps.Fields = DefaultFieldMappings()[t]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[t] = caps
	return nil
}

// Lookup returns the capabilities for t.
func (r *Registry) Lookup(t AssetType) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.caps[t]
	if !ok {
		return Capabilities{}, Errorf(KindValidation, "lookup capabilities", "no capabilities registered for %s", t)
	}
	return caps, nil
}

// Fields returns the field mapping for t, or nil when t has none.
func (r *Registry) Fields(t AssetType) FieldMapping {
	caps, err := r.Lookup(t)
	if err != nil {
		return DefaultFieldMappings()[t]
	}
	return caps.Fields
}

// Exists probes whether id exists in the target. Missing probes and probe
// failures both report false.
func (r *Registry) Exists(ctx context.Context, t AssetType, id string) bool {
	caps, err := r.Lookup(t)
	if err != nil || caps.Exists == nil {
		return false
	}
	ok, err := caps.Exists(ctx, id)
	if err != nil {
		return false
	}
	return ok
}

// CustomAppUUID reports whether the AGENT_APP id is deployed as an external
// graph and, if so, the deployment uuid it is staged under.
func (r *Registry) CustomAppUUID(ctx context.Context, id string) (string, bool, error) {
	caps, err := r.Lookup(TypeAgentApp)
	if err != nil || caps.Deployments == nil {
		return "", false, nil
	}
	deployments, err := caps.Deployments(ctx, id)
	if err != nil {
		return "", false, classify(KindExternal, "list deployments", AssetRef{Type: TypeAgentApp, ID: id}, err)
	}
	for _, d := range deployments {
		if d.TargetType == externalGraphTarget {
			uuid := d.UUID
			if uuid == "" {
				uuid = id
			}
			return uuid, true, nil
		}
	}
	return "", false, nil
}
