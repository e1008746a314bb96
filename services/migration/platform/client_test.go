package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimigrate/services/migration"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		SourceURL:  srv.URL + "/",
		TargetURL:  srv.URL,
		LineageURL: srv.URL,
		Token:      "secret",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresURLs(t *testing.T) {
	_, err := NewClient(Config{TargetURL: "http://x"})
	require.Error(t, err)
	_, err = NewClient(Config{SourceURL: "http://x"})
	require.Error(t, err)
}

func TestExport(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("project_id")
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"id":"t1","url":"http://dev"}`)
	}))

	body, err := c.Export(context.Background(), migration.TypeTool, "t1", "7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1","url":"http://dev"}`, string(body))
	assert.Equal(t, "/v1/migration/tool/t1/export", gotPath)
	assert.Equal(t, "7", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestExportInvalidJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	_, err := c.Export(context.Background(), migration.TypeTool, "t1", "")
	require.Error(t, err)
	assert.Equal(t, migration.KindParse, migration.KindOf(err))
}

func TestStatusKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   migration.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, migration.KindPermission},
		{"forbidden", http.StatusForbidden, migration.KindPermission},
		{"not found", http.StatusNotFound, migration.KindNotFound},
		{"conflict", http.StatusConflict, migration.KindDuplicate},
		{"bad request", http.StatusBadRequest, migration.KindValidation},
		{"server error", http.StatusInternalServerError, migration.KindExternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			err := c.Import(context.Background(), migration.ImportRequest{
				Type:    migration.TypePrompt,
				ID:      "p1",
				Payload: []byte(`{}`),
			})
			require.Error(t, err)
			assert.Equal(t, tc.want, migration.KindOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestImportBody(t *testing.T) {
	var got map[string]any
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.Import(context.Background(), migration.ImportRequest{
		Type:            migration.TypeMCP,
		ID:              "m1",
		Payload:         []byte(`{"server_url":"http://prod"}`),
		TargetProjectID: "-999",
		Exists:          true,
		Mode:            migration.ModeUpsert,
		Actor:           "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/migration/mcp/import", gotPath)
	assert.Equal(t, "m1", got["id"])
	assert.Equal(t, "-999", got["target_project_id"])
	assert.Equal(t, true, got["exists"])
	assert.Equal(t, "upsert", got["mode"])
	assert.Equal(t, "alice", got["actor"])
	assert.Equal(t, map[string]any{"server_url": "http://prod"}, got["payload"])
}

func TestExists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/migration/prompt/here/exists":
			_, _ = io.WriteString(w, `{"exists":true}`)
		case "/v1/migration/prompt/down/exists":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))

	ok, err := c.Exists(context.Background(), migration.TypePrompt, "here")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(context.Background(), migration.TypePrompt, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Exists(context.Background(), migration.TypePrompt, "down")
	require.Error(t, err)
	assert.Equal(t, migration.KindExternal, migration.KindOf(err))
}

func TestDeployments(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agent-apps/app1/deployments", r.URL.Path)
		_, _ = io.WriteString(w, `[{"uuid":"u-1","target_type":"external_graph"}]`)
	}))
	deps, err := c.Deployments(context.Background(), "app1")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "u-1", deps[0].UUID)
	assert.Equal(t, "external_graph", deps[0].TargetType)
}

func TestGetLineage(t *testing.T) {
	var gotQuery map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lineage/sm1", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"direction": q.Get("direction"),
			"action":    q.Get("action"),
			"max_depth": q.Get("max_depth"),
		}
		_, _ = io.WriteString(w, `{"relations":[
			{"source_type":"SERVING_MODEL","source_key":"sm1","target_type":"MODEL","target_key":"m1","depth":1,"action":"use"},
			{"source_type":"SERVING_MODEL","source_key":"sm1","target_type":"WIDGET","target_key":"w1","depth":"2"},
			null
		]}`)
	}))

	rels, err := c.GetLineage(context.Background(), "sm1", migration.DirectionDownstream, "use", 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"direction": "downstream", "action": "use", "max_depth": "5"}, gotQuery)
	require.Len(t, rels, 2)
	assert.Equal(t, migration.LineageRelation{
		SourceType: migration.TypeServingModel,
		SourceKey:  "sm1",
		TargetType: migration.TypeModel,
		TargetKey:  "m1",
		Depth:      1,
		Action:     "use",
	}, rels[0])
	assert.Equal(t, migration.AssetType(""), rels[1].TargetType)
	assert.Equal(t, 2, rels[1].Depth)
}

func TestDecodeRelationsBareArray(t *testing.T) {
	rels, err := decodeRelations([]byte(`[{"source_type":"GUARDRAILS","source_key":"g","target_type":"PROMPT","target_key":"p","depth":1}]`))
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, migration.TypePrompt, rels[0].TargetType)

	_, err = decodeRelations([]byte(`{"relations":"x"}`))
	require.Error(t, err)
}

func TestGetLineageWithoutURL(t *testing.T) {
	c, err := NewClient(Config{SourceURL: "http://s", TargetURL: "http://t"})
	require.NoError(t, err)
	_, err = c.GetLineage(context.Background(), "x", migration.DirectionDownstream, "use", 1)
	require.Error(t, err)
	assert.Equal(t, migration.KindValidation, migration.KindOf(err))
}

func TestBind(t *testing.T) {
	c, err := NewClient(Config{SourceURL: "http://s", TargetURL: "http://t"})
	require.NoError(t, err)
	reg := migration.NewRegistry()
	require.NoError(t, Bind(reg, c))

	for _, at := range migration.AllAssetTypes() {
		caps, err := reg.Lookup(at)
		require.NoError(t, err, at)
		assert.NotNil(t, caps.Export)
		assert.NotNil(t, caps.Import)
		switch at {
		case migration.TypeProject, migration.TypeAgentApp:
			assert.Nil(t, caps.Exists, at)
		default:
			assert.NotNil(t, caps.Exists, at)
		}
	}
	agentApp, _ := reg.Lookup(migration.TypeAgentApp)
	assert.NotNil(t, agentApp.Deployments)

	require.Error(t, Bind(nil, c))
	require.Error(t, Bind(reg, nil))
}
