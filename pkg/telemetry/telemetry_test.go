package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, _, _, err := Init(context.Background(), "", "")
	require.Error(t, err)
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, mw, _, err := Init(context.Background(), "aimigrate-test", "")
	require.NoError(t, err)
	require.NotNil(t, mw)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRejectsHostlessEndpoint(t *testing.T) {
	_, _, _, err := Init(context.Background(), "aimigrate-test", "http://")
	require.Error(t, err)
}

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("svc", &buf)
	h := Middleware("svc", logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "svc", line["service"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/healthz", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "info", line["level"])
}
