package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablestore/pkg/config"
	"tablestore/pkg/tablestore"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultTable()
	cfg.RootPath = t.TempDir()

	store, err := tablestore.Open(context.Background(), cfg, tablestore.Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	s := NewServer(store, nil, 0, 0)
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(ts.Close)
	return s, ts
}

func doForm(t *testing.T, ts *httptest.Server, method, path string, form url.Values) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string) (*http.Response, Response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOK, body.Status)
}

func TestPutAndGetCell(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition":  {"p1"},
		"clustering": {"c1"},
		"value":      {"v1"},
		"timestamp":  {"10"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusSuccess, body.Status)

	resp, body = doJSON(t, ts, http.MethodGet, "/api/partition?key=p1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Cells, 1)
	assert.Equal(t, "c1", body.Cells[0].Clustering)
	assert.Equal(t, "v1", body.Cells[0].Value)
	assert.EqualValues(t, 10, body.Cells[0].Timestamp)
}

func TestGetMissingPartition(t *testing.T) {
	_, ts := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/api/partition?key=absent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, StatusError, body.Status)
}

func TestDeleteCell(t *testing.T) {
	_, ts := newTestServer(t)

	doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition": {"p1"}, "clustering": {"c1"}, "value": {"v1"}, "timestamp": {"1"},
	})
	resp, _ := doJSON(t, ts, http.MethodDelete, "/api/cell?partition=p1&clustering=c1&timestamp=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/partition?key=p1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doForm(t, ts, http.MethodPut, "/api/cell", url.Values{"partition": {"p"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition": {"p"}, "clustering": {"c"}, "timestamp": {"not-a-number"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/partition")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpsFlushAndCompact(t *testing.T) {
	_, ts := newTestServer(t)

	doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition": {"p"}, "clustering": {"c"}, "value": {"v"}, "timestamp": {"1"},
	})

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/ops/flush")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodPost, "/api/ops/compact?major=true")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// data survives the maintenance cycle
	resp, body := doJSON(t, ts, http.MethodGet, "/api/partition?key=p")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body.Cells, 1)
}

func TestOpsSnapshotLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition": {"p"}, "clustering": {"c"}, "value": {"v"}, "timestamp": {"1"},
	})

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/ops/snapshot?name=weekly")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// duplicate names conflict
	resp, _ = doJSON(t, ts, http.MethodPost, "/api/ops/snapshot?name=weekly")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := doJSON(t, ts, http.MethodGet, "/api/ops/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"weekly"}, body.Snapshots)

	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/ops/snapshot?name=weekly")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = doJSON(t, ts, http.MethodGet, "/api/ops/snapshot")
	assert.Empty(t, body.Snapshots)
}

func TestOpsTruncate(t *testing.T) {
	_, ts := newTestServer(t)

	doForm(t, ts, http.MethodPut, "/api/cell", url.Values{
		"partition": {"p"}, "clustering": {"c"}, "value": {"v"}, "timestamp": {"1"},
	})

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/ops/truncate")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/partition?key=p")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingSnapshotName(t *testing.T) {
	_, ts := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/ops/snapshot")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
