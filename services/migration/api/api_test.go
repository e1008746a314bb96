package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"aimigrate/pkg/render"
	"aimigrate/services/migration"
	"aimigrate/services/migration/worker"
)

type fakeRuns struct {
	runs map[uuid.UUID]worker.Run
}

func (f *fakeRuns) Start(context.Context, worker.Run) error { return nil }

func (f *fakeRuns) Finish(context.Context, uuid.UUID, string, map[string]any, string, time.Time) error {
	return nil
}

func (f *fakeRuns) Get(_ context.Context, id uuid.UUID) (worker.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return worker.Run{}, gorm.ErrRecordNotFound
	}
	return run, nil
}

type fakePublisher struct {
	subject string
	payload any
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	f.subject = subject
	f.payload = v
	return f.err
}

type fakeExtractor struct {
	data map[migration.AssetType][]migration.AssetFields
	err  error
	args []string
}

func (f *fakeExtractor) ExtractMigrationDataFromFolder(_ context.Context, projectID string, t migration.AssetType, id string) (map[migration.AssetType][]migration.AssetFields, error) {
	f.args = []string{projectID, string(t), id}
	return f.data, f.err
}

type fixture struct {
	handler   http.Handler
	runs      *fakeRuns
	publisher *fakePublisher
	extractor *fakeExtractor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	f := fixture{
		runs:      &fakeRuns{runs: map[uuid.UUID]worker.Run{}},
		publisher: &fakePublisher{},
		extractor: &fakeExtractor{},
	}
	a, err := New(f.runs, f.publisher, f.extractor, engine)
	require.NoError(t, err)
	f.handler, err = a.Routes()
	require.NoError(t, err)
	return f
}

func (f fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresDependencies(t *testing.T) {
	engine, err := render.New()
	require.NoError(t, err)
	_, err = New(nil, &fakePublisher{}, &fakeExtractor{}, engine)
	require.Error(t, err)
	_, err = New(&fakeRuns{}, nil, &fakeExtractor{}, engine)
	require.Error(t, err)
	_, err = New(&fakeRuns{}, &fakePublisher{}, nil, engine)
	require.Error(t, err)
	_, err = New(&fakeRuns{}, &fakePublisher{}, &fakeExtractor{}, nil)
	require.Error(t, err)
}

func TestSubmitRunQueuesRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/runs", `{"actor":"alice","project_id":"7","asset_type":"tool","asset_id":"t1","stage":"validate"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Equal(t, worker.SubjectRequested, f.publisher.subject)
	req, ok := f.publisher.payload.(worker.Request)
	require.True(t, ok)
	assert.Equal(t, migration.TypeTool, req.AssetType)
	assert.NotEqual(t, uuid.Nil, req.RunID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, req.RunID.String(), body["run_id"])
}

func TestSubmitRunRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"missing actor": `{"asset_type":"TOOL","asset_id":"t1","stage":"validate"}`,
		"bad type":      `{"actor":"a","asset_type":"WIDGET","asset_id":"t1","stage":"validate"}`,
		"missing id":    `{"actor":"a","asset_type":"TOOL","stage":"validate"}`,
		"bad stage":     `{"actor":"a","asset_type":"TOOL","asset_id":"t1","stage":"deploy"}`,
		"unknown field": `{"actor":"a","asset_type":"TOOL","asset_id":"t1","stage":"validate","x":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/runs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.publisher.subject)
}

func TestSubmitRunBusDown(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("nats down")
	rec := f.do(http.MethodPost, "/v1/runs", `{"actor":"a","asset_type":"TOOL","asset_id":"t1","stage":"merge"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.runs.runs[id] = worker.Run{
		ID:         id,
		AssetType:  "TOOL",
		AssetID:    "t1",
		Stage:      worker.StageMigrate,
		Status:     "success",
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}

	rec := f.do(http.MethodGet, "/v1/runs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runResponse `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Run.Status)
	assert.Equal(t, "2026-03-01T10:00:00Z", body.Run.FinishedAt)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/runs/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/runs/not-a-uuid", "").Code)
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	f.extractor.data = map[migration.AssetType][]migration.AssetFields{
		migration.TypeTool: {{ID: "t1", Fields: []migration.FieldValue{{Name: "url", Dev: "http://dev", Prod: "http://prod"}}}},
	}

	rec := f.do(http.MethodGet, "/v1/review/TOOL/t1?project_id=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"7", "TOOL", "t1"}, f.extractor.args)
	var review migration.Review
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &review))
	require.Len(t, review.Sections, 1)
	assert.Equal(t, migration.TypeTool, review.Sections[0].Type)

	rec = f.do(http.MethodGet, "/v1/review/tool/t1?project_id=7&format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Review for TOOL:t1 (project 7)")
	assert.Contains(t, rec.Body.String(), `prod: "http://prod"`)
}

func TestReviewErrors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/review/WIDGET/x", "").Code)

	f.extractor.err = migration.Errorf(migration.KindNotFound, "list staged", "nothing staged")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/review/TOOL/t1", "").Code)
}
