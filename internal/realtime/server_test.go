package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrun/internal/auth"
	"scriptrun/internal/catalog"
	"scriptrun/internal/session"
)

var testScripts = map[string]string{
	"hello.sh": "echo hello\n",
	"ask.sh":   "read name\necho \"hi $name\"\n",
	"hang.sh":  "sleep 30\n",
	"fail.sh":  "echo oops\nexit 3\n",
}

func newTestServer(t *testing.T, opts session.Options) *Server {
	t.Helper()
	dir := t.TempDir()
	for name, body := range testScripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}

	resolver, err := catalog.NewResolver(dir, []string{".sh"})
	require.NoError(t, err)
	cat := catalog.New(resolver, nil)
	cat.Rescan()

	if opts.Interpreter == "" {
		opts.Interpreter = "sh"
	}
	reg := session.NewRegistry(0)
	t.Cleanup(reg.Shutdown)
	engine := session.NewEngine(reg, opts)

	return New(engine, cat, auth.NewGuard(false), Options{DrainInterval: 5 * time.Millisecond})
}

// csrfFor fetches a caller cookie and its token.
func csrfFor(t *testing.T, h http.Handler) (*http.Cookie, string) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/csrf", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], body["csrf_token"]
}

func postJSON(h http.Handler, path string, cookie *http.Cookie, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ListScripts(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scripts", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var entries []catalog.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, len(testScripts))
	assert.Equal(t, "ask.sh", entries[0].Path)
}

func TestServer_CORSHeaders(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/script/input", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_MetricsMounted(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	srv.opts.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "metrics", w.Body.String())
}

func TestServer_GetSession(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/script/sessions/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	id, err := srv.registry.Create("/scripts/a.sh")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/script/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, session.StatePending, snap.State)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/script/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []session.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestServer_ControlRequestErrors(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	h := srv.Handler()
	cookie, token := csrfFor(t, h)

	tests := []struct {
		name   string
		path   string
		cookie *http.Cookie
		body   string
		want   int
	}{
		{"invalid json", "/script/input", cookie, "not json", http.StatusBadRequest},
		{"missing token", "/script/input", cookie, `{"session_id":"x"}`, http.StatusForbidden},
		{"wrong token", "/script/keepalive", cookie, `{"session_id":"x","csrf_token":"nope"}`, http.StatusForbidden},
		{"no cookie", "/script/stop", nil, `{"session_id":"x","csrf_token":"` + token + `"}`, http.StatusForbidden},
		{"missing session", "/script/input", cookie, `{"csrf_token":"` + token + `"}`, http.StatusBadRequest},
		{"input to unknown session", "/script/input", cookie, `{"session_id":"x","text":"a","csrf_token":"` + token + `"}`, http.StatusInternalServerError},
		{"keepalive unknown session", "/script/keepalive", cookie, `{"session_id":"x","csrf_token":"` + token + `"}`, http.StatusNotFound},
		{"stop unknown session", "/script/stop", cookie, `{"session_id":"x","csrf_token":"` + token + `"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(h, tt.path, tt.cookie, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestServer_KeepaliveAndStop(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	h := srv.Handler()
	cookie, token := csrfFor(t, h)

	id, err := srv.registry.Create("/scripts/a.sh")
	require.NoError(t, err)
	body := `{"session_id":"` + id + `","csrf_token":"` + token + `"}`

	w := postJSON(h, "/script/keepalive", cookie, body)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postJSON(h, "/script/stop", cookie, body)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err = srv.registry.Get(id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	w = postJSON(h, "/script/stop", cookie, body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_InputReachesScript(t *testing.T) {
	srv := newTestServer(t, session.Options{})
	h := srv.Handler()
	cookie, token := csrfFor(t, h)

	script, err := srv.catalog.Resolve("ask.sh")
	require.NoError(t, err)
	id, err := srv.startSession(script)
	require.NoError(t, err)

	w := postJSON(h, "/script/input", cookie, `{"session_id":"`+id+`","text":"Alice","csrf_token":"`+token+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	msgs := pumpAll(t, srv.engine, id)
	assert.Contains(t, outputOf(msgs), "hi Alice")
	assert.Equal(t, session.KindExit, msgs[len(msgs)-1].Kind)
}

func TestServer_StartSessionFailureDiscardsSession(t *testing.T) {
	srv := newTestServer(t, session.Options{Interpreter: "/nonexistent/interpreter"})

	script, err := srv.catalog.Resolve("hello.sh")
	require.NoError(t, err)
	_, err = srv.startSession(script)
	assert.ErrorIs(t, err, session.ErrSpawnFailure)
	assert.Zero(t, srv.registry.Count())
}
