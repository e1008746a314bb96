package migration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakePlatform is an in-memory source and target platform.
type fakePlatform struct {
	mu          sync.Mutex
	docs        map[AssetRef]string
	exportErr   map[AssetRef]error
	importErr   map[AssetRef]error
	existing    map[AssetRef]bool
	deployments map[string][]Deployment
	imports     []ImportRequest
	probes      []AssetRef
	exports     []AssetRef
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		docs:        make(map[AssetRef]string),
		exportErr:   make(map[AssetRef]error),
		importErr:   make(map[AssetRef]error),
		existing:    make(map[AssetRef]bool),
		deployments: make(map[string][]Deployment),
	}
}

func (p *fakePlatform) put(t AssetType, id, doc string) {
	p.docs[AssetRef{Type: t, ID: id}] = doc
}

func (p *fakePlatform) registry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, at := range AllAssetTypes() {
		at := at
		caps := Capabilities{
			Export: func(_ context.Context, id, _ string) ([]byte, error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				ref := AssetRef{Type: at, ID: id}
				p.exports = append(p.exports, ref)
				if err := p.exportErr[ref]; err != nil {
					return nil, err
				}
				doc, ok := p.docs[ref]
				if !ok {
					return nil, NewError(KindNotFound, "export", ref, errors.New("no such asset"))
				}
				return []byte(doc), nil
			},
			Import: func(_ context.Context, req ImportRequest) error {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.imports = append(p.imports, req)
				return p.importErr[AssetRef{Type: req.Type, ID: req.ID}]
			},
			Exists: func(_ context.Context, id string) (bool, error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				ref := AssetRef{Type: at, ID: id}
				p.probes = append(p.probes, ref)
				return p.existing[ref], nil
			},
		}
		if at == TypeAgentApp {
			caps.Deployments = func(_ context.Context, id string) ([]Deployment, error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				return p.deployments[id], nil
			}
		}
		require.NoError(t, r.Register(at, caps))
	}
	return r
}

func (p *fakePlatform) importsOf(t AssetType) []ImportRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ImportRequest
	for _, req := range p.imports {
		if req.Type == t {
			out = append(out, req)
		}
	}
	return out
}

type fakeLineage struct {
	relations []LineageRelation
	err       error
	calls     int
	maxDepth  int
}

func (f *fakeLineage) GetLineage(_ context.Context, _ string, _ Direction, _ string, maxDepth int) ([]LineageRelation, error) {
	f.calls++
	f.maxDepth = maxDepth
	return f.relations, f.err
}

type fakeIndex map[AssetRef]string

func (f fakeIndex) ProjectOf(_ context.Context, t AssetType, id string) (string, bool, error) {
	p, ok := f[AssetRef{Type: t, ID: id}]
	return p, ok, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (f *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	if evt, ok := v.(Event); ok {
		f.events = append(f.events, evt)
	}
	return nil
}

type failingLedger struct {
	*MemoryLedger
}

func (failingLedger) Record(context.Context, LedgerMaster, []LedgerMapping) (uuid.UUID, error) {
	return uuid.Nil, errors.New("connection refused")
}

type testEnv struct {
	platform  *fakePlatform
	lineage   *fakeLineage
	index     fakeIndex
	ledger    *MemoryLedger
	publisher *fakePublisher
	baseDir   string
	orch      *Orchestrator
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		platform:  newFakePlatform(),
		lineage:   &fakeLineage{},
		index:     fakeIndex{},
		ledger:    NewMemoryLedger(),
		publisher: &fakePublisher{},
		baseDir:   t.TempDir(),
	}
	opts := Options{
		Registry:   env.platform.registry(t),
		Lineage:    env.lineage,
		Index:      env.index,
		Ledger:     env.ledger,
		Publisher:  env.publisher,
		Metrics:    NewMetrics(),
		Logger:     zerolog.Nop(),
		BaseDir:    env.baseDir,
		ProdAPIKey: "prod-platform-key",
	}
	for _, m := range mutate {
		m(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)
	env.orch = orch
	return env
}

// stagedNames lists the files in a committed staging directory.
func stagedNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func writeStaged(t *testing.T, dir, name, doc string) {
	t.Helper()
	require.NoError(t, WriteFileAtomic(filepath.Join(dir, name), []byte(doc)))
}

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
