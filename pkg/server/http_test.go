package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHandlerServer builds a server without listeners and returns its HTTP handler
func newHandlerServer(t *testing.T, configure func(*ServerConfig)) (*Server, http.Handler) {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.UploadDir = filepath.Join(dir, "uploads")
	if configure != nil {
		configure(&cfg)
	}

	srv, err := newServer(cfg, "", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv, srv.httpHandler()
}

func doRequest(h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAccount(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	rec := doRequest(h, http.MethodPost, "/api/accounts", strings.NewReader(`{"identity": " alice "}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp accountResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, accountResponse{Identity: "alice", Exists: true}, resp)

	rec = doRequest(h, http.MethodPost, "/api/accounts", strings.NewReader(`{"identity": "alice"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/accounts/alice", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/accounts/bob", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAccountRejectsInvalidInput(t *testing.T) {
	_, h := newHandlerServer(t, func(cfg *ServerConfig) { cfg.MaxIdentityLength = 8 })

	for name, body := range map[string]string{
		"not json":   `identity=alice`,
		"blank":      `{"identity": "   "}`,
		"too long":   `{"identity": "abcdefghijk"}`,
		"wrong type": `{"identity": 42}`,
	} {
		rec := doRequest(h, http.MethodPost, "/api/accounts", strings.NewReader(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestAccountsDoNotTouchPresence(t *testing.T) {
	srv, h := newHandlerServer(t, nil)

	rec := doRequest(h, http.MethodPost, "/api/accounts", strings.NewReader(`{"identity": "carol"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	_, online := srv.Router().Lookup("carol")
	assert.False(t, online)
}

func TestUploadMultipartAndServe(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile("file", "cat.PNG")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := doRequest(h, http.MethodPost, "/api/upload", &body, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, strings.HasPrefix(resp.Locator, "/uploads/"))
	assert.True(t, strings.HasSuffix(resp.Locator, ".png"))

	rec = doRequest(h, http.MethodGet, resp.Locator, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not really a png", rec.Body.String())
}

func TestUploadRawBody(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	rec := doRequest(h, http.MethodPost, "/api/upload?filename=notes.txt", strings.NewReader("raw"), "text/plain")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, strings.HasSuffix(resp.Locator, ".txt"))
}

func TestUploadTooLarge(t *testing.T) {
	_, h := newHandlerServer(t, func(cfg *ServerConfig) { cfg.MaxUploadBytes = 8 })

	rec := doRequest(h, http.MethodPost, "/api/upload", strings.NewReader("way more than eight bytes"), "application/octet-stream")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadMissingFileField(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	rec := doRequest(h, http.MethodPost, "/api/upload", &body, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUploadRejectsBadLocators(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	for _, path := range []string{
		"/uploads/not-a-uuid.txt",
		"/uploads/.upload-123",
		"/uploads/3f1c1a9e-8a8e-4d8e-9c1e-2b1f6c8d9e0a.txt",
	} {
		rec := doRequest(h, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHealth(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	rec := doRequest(h, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Sessions)
}

func TestCORSHeaders(t *testing.T) {
	_, h := newHandlerServer(t, func(cfg *ServerConfig) { cfg.CORSOrigin = "https://chat.example.com" })

	rec := doRequest(h, http.MethodOptions, "/api/accounts", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doRequest(h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, "https://chat.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStaticFallback(t *testing.T) {
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>relay</h1>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(static, "app.js"), []byte("console.log(1)"), 0644))

	_, h := newHandlerServer(t, func(cfg *ServerConfig) { cfg.StaticDir = static })

	rec := doRequest(h, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay")

	rec = doRequest(h, http.MethodGet, "/app.js", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/missing.css", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNoStaticDirMeansNotFound(t *testing.T) {
	_, h := newHandlerServer(t, nil)

	rec := doRequest(h, http.MethodGet, "/index.html", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsListener(t *testing.T) {
	ts := newTestServer(t, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.srv.serveMetrics(l)

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_active_sessions")

	health, err := http.Get("http://" + l.Addr().String() + "/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestAccountsOverLiveHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.url("/api/accounts"), "application/json", strings.NewReader(`{"identity": "dave"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
