package migration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimigrate/pkg/orderedjson"
)

func mustObject(t *testing.T, doc string) *orderedjson.Object {
	t.Helper()
	obj, err := orderedjson.ParseObject([]byte(doc))
	require.NoError(t, err)
	return obj
}

func marshalString(t *testing.T, v any) string {
	t.Helper()
	raw, err := orderedjson.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func TestApplySubstitutionsFlat(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"id":"k1","embedding_url":"http://dev/embed","name":"kb"}`)
	ApplySubstitutions(TypeKnowledge, doc, []FieldValue{{Name: "embedding_url", Dev: "http://dev/embed", Prod: "http://prod/embed"}}, SubstituteOptions{})
	assert.Equal(t, `{"id":"k1","embedding_url":"http://prod/embed","name":"kb"}`, marshalString(t, doc))

	doc = mustObject(t, `{"resource":{"cpu":"2","memory":"4Gi"},"replicas":1}`)
	ApplySubstitutions(TypeServingModel, doc, []FieldValue{
		{Name: "resource.cpu", Dev: "2", Prod: "8"},
		{Name: "resource.memory", Dev: "4Gi", Prod: "  "},
		{Name: "replicas", Dev: json.Number("1"), Prod: json.Number("3")},
	}, SubstituteOptions{})
	assert.Equal(t, `{"resource":{"cpu":"8","memory":"4Gi"},"replicas":3}`, marshalString(t, doc))
}

func TestApplySubstitutionsSkipsValuelessFields(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"id":"k1","embedding_url":"http://dev/embed","url":"http://dev/tool"}`)
	ApplySubstitutions(TypeKnowledge, doc, []FieldValue{{Name: "embedding_url"}, {Name: "missing.path", Prod: ""}}, SubstituteOptions{})
	assert.Equal(t, `{"id":"k1","embedding_url":"http://dev/embed","url":"http://dev/tool"}`, marshalString(t, doc))

	ApplySubstitutions(TypeTool, doc, []FieldValue{{Name: "url"}, {Name: "api_param.headers"}}, SubstituteOptions{})
	assert.Equal(t, `{"id":"k1","embedding_url":"http://dev/embed","url":"http://dev/tool"}`, marshalString(t, doc))
}

func TestApplySubstitutionsModelFirstEndpoint(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"endpoints":[{"url":"http://dev/1","key":"dev-key"},{"url":"http://dev/2","key":"other"}],"model_path":"/models/a"}`)
	values := ExtractFields(TypeModel, doc, DefaultFieldMappings()[TypeModel])
	require.Len(t, values, 3)
	assert.Equal(t, "http://dev/1", values[0].Dev)

	values[0].Prod = "http://prod/1"
	values[2].Prod = "/durable/a"
	ApplySubstitutions(TypeModel, doc, values, SubstituteOptions{})
	assert.Equal(t,
		`{"endpoints":[{"url":"http://prod/1","key":"dev-key"},{"url":"http://dev/2","key":"other"}],"model_path":"/durable/a"}`,
		marshalString(t, doc))
}

func TestApplySubstitutionsMCPAuthConfig(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"server_url":"http://dev/mcp","auth_config":{"token":"dev-token","user":"dev-user"}}`)
	values := ExtractFields(TypeMCP, doc, DefaultFieldMappings()[TypeMCP])
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"server_url", "auth_config.token", "auth_config.user"}, names)

	values[1].Prod = "prod-token"
	ApplySubstitutions(TypeMCP, doc, values, SubstituteOptions{})
	assert.Equal(t, `{"server_url":"http://dev/mcp","auth_config":{"token":"prod-token","user":"dev-user"}}`, marshalString(t, doc))
}

func TestApplySubstitutionsToolBodyAndHeaders(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"url":"http://dev","api_param":{"body":"{\"a\":1}","params":{"q":"x"},"headers":{"Auth":"dev","Trace":"on"}}}`)
	ApplySubstitutions(TypeTool, doc, []FieldValue{
		{Name: "api_param.body", Dev: `{"a":1}`, Prod: `{"a":2,"b":"z"}`},
		{Name: "api_param.params", Dev: map[string]any{"q": "x"}},
		{Name: "api_param.headers", Dev: map[string]any{"Auth": "dev", "Trace": "on"}, Prod: map[string]any{"Auth": "prod"}},
	}, SubstituteOptions{})

	assert.Equal(t,
		`{"url":"http://dev","api_param":{"body":{"a":2,"b":"z"},"params":{"q":"x"},"headers":{"Auth":"prod","Trace":"on"}}}`,
		marshalString(t, doc))
}

func TestApplySubstitutionsToolBodyWithoutProdIsParsed(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"api_param":{"body":"{\"a\":1}"}}`)
	ApplySubstitutions(TypeTool, doc, []FieldValue{{Name: "api_param.body", Dev: `{"a":1}`}}, SubstituteOptions{})
	assert.Equal(t, `{"api_param":{"body":{"a":1}}}`, marshalString(t, doc))
}

func TestApplySubstitutionsAgentGraph(t *testing.T) {
	t.Parallel()

	doc := mustObject(t, `{"id":"g1","name":"flow","graph":{"id":"inner","nodes":[`+
		`{"type":"agent_app","data":{"agent_app_id":"a1","api_key":"dev-1"}},`+
		`{"type":"llm","data":{"model":"m"}},`+
		`{"type":"agent_app","data":{"agent_app_id":"a2","api_key":"dev-2"}}]}}`)

	values := ExtractFields(TypeAgentGraph, doc, DefaultFieldMappings()[TypeAgentGraph])
	require.Len(t, values, 1)
	assert.Equal(t, `[{"agent_app_id":"a1","api_key":"dev-1"},{"agent_app_id":"a2","api_key":"dev-2"}]`, marshalString(t, values[0].Dev))

	values[0].Prod = []any{
		map[string]any{"agent_app_id": "p1", "api_key": "prod-1"},
		map[string]any{"agent_app_id": "", "api_key": "prod-2"},
	}
	ApplySubstitutions(TypeAgentGraph, doc, values, SubstituteOptions{ProdAPIKey: "K"})

	assert.Equal(t, `{"name":"flow","graph":{"nodes":[`+
		`{"type":"agent_app","data":{"agent_app_id":"p1","api_key":"prod-1","platform_api_key":"K"}},`+
		`{"type":"llm","data":{"model":"m"}},`+
		`{"type":"agent_app","data":{"agent_app_id":"a2","api_key":"prod-2","platform_api_key":"K"}}]}}`,
		marshalString(t, doc))
}

func TestFillProd(t *testing.T) {
	t.Parallel()

	values := []FieldValue{{Name: "url", Dev: "d"}, {Name: "api_param.headers", Dev: "x"}}
	lookup := func(_ context.Context, typ AssetType, id, field string) (json.RawMessage, bool, error) {
		if typ == TypeTool && id == "t1" && field == "url" {
			return json.RawMessage(`"http://prod"`), true, nil
		}
		return nil, false, nil
	}
	got := FillProd(context.Background(), TypeTool, "t1", values, lookup)
	assert.Equal(t, "http://prod", got[0].Prod)
	assert.Nil(t, got[1].Prod)
}

func TestDiffsEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, Diffs(nil).Empty())
	assert.True(t, Diffs{TypeTool: {"t1": nil}}.Empty())
	d := Diffs{TypeTool: {"t1": {{Name: "url", Prod: "x"}}}}
	assert.False(t, d.Empty())
	assert.Len(t, d.For(TypeTool, "t1"), 1)
	assert.Nil(t, d.For(TypeMCP, "t1"))
}
