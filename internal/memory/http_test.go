package memory_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soorma-ai/soorma-core/internal/memory"
	"github.com/soorma-ai/soorma-core/internal/memory/store/memdb"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, err := memory.NewService(memory.ServiceOptions{
		Store:    memdb.New(),
		Embedder: memory.NewMockEmbedder(16),
	})
	require.NoError(t, err)
	mux := http.NewServeMux()
	memory.NewServer(svc).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, tenant, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHTTPMissingTenantReturns401(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/memory/semantic", "", "", `{"content":"x"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTPUserFromQueryParamNotBody(t *testing.T) {
	srv := newTestServer(t)

	// user_id arrives as a query parameter; anything user-shaped in the
	// body is ignored.
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/memory/semantic?user_id=u1", "t1", "", `{"content":"a fact","user_id":"intruder"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/semantic/search?user_id=u1&q=fact", "t1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine struct {
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	require.Len(t, mine.Results, 1)

	// A different user of the same tenant does not see the row.
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/semantic/search?user_id=u2&q=fact", "t1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var others struct {
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&others))
	require.Empty(t, others.Results)
}

func TestHTTPWorkingMemoryRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/v1/memory/working/p1/cursor", "t1", "u1", `{"offset":42}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/working/p1/cursor", "t1", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another user cannot read it.
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/working/p1/cursor", "t1", "u2", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/memory/working/p1", "t1", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/working/p1/cursor", "t1", "u1", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPTaskContextBySubtask(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/memory/tasks", "t1", "u1",
		`{"task_id":"task-1","agent_id":"w:1","event_type":"order.fulfill.requested","sub_tasks":{"sub-9":"payment"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/tasks/by-subtask/sub-9", "t1", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/memory/tasks/by-subtask/sub-unknown", "t1", "u1", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
