package markdeck

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func setupTestApp(t *testing.T) *App {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(filepath.Join(root, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	mirror, err := NewMirror(filepath.Join(root, "content"))
	if err != nil {
		t.Fatalf("failed to create mirror: %v", err)
	}

	a := &App{
		Config:   SiteConfig{},
		Echo:     echo.New(),
		Store:    store,
		Mirror:   mirror,
		Registry: NewRegistry(),
	}
	a.Config.setDefaults()
	a.dispatcher = NewDispatcher(store, mirror)
	a.dispatcher.logf = t.Logf
	a.hooks = NewHookClient(2 * time.Second)
	a.setupRoutes()
	t.Cleanup(a.Registry.StopAll)
	return a
}

func doJSON(a *App, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

const publishBody = `{
	"type": "post",
	"content": "# Hi",
	"metadata": {"title": "Hello World", "description": "greeting", "category": "general", "tags": "intro, test"}
}`

func TestPublishCreatesRowAndMirror(t *testing.T) {
	a := setupTestApp(t)

	rec := doJSON(a, http.MethodPost, "/api/publish", publishBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success  bool   `json:"success"`
		Slug     string `json:"slug"`
		FilePath string `json:"filePath"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Success || resp.Slug != "hello-world" {
		t.Errorf("response = %+v", resp)
	}

	// Row exists with tags.
	post, err := a.Store.GetPost("hello-world")
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	assertTags(t, post.Tags, []string{"intro", "test"})

	// Mirror file exists and is linked.
	if post.FilePath != resp.FilePath {
		t.Errorf("file_path = %q, response said %q", post.FilePath, resp.FilePath)
	}
	if _, err := os.Stat(post.FilePath); err != nil {
		t.Errorf("mirror file missing: %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	a := setupTestApp(t)

	rec := doJSON(a, http.MethodPost, "/api/publish", `{"type":"post","content":"x","metadata":{"title":""}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title: status = %d", rec.Code)
	}
	rec = doJSON(a, http.MethodPost, "/api/publish", `{"type":"post","content":"","metadata":{"title":"T"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing content: status = %d", rec.Code)
	}

	// Nothing was persisted by the rejected requests.
	posts, _ := a.Store.ListPosts(ListFilter{})
	if len(posts) != 0 {
		t.Errorf("validation failure persisted %v", posts)
	}
}

func TestPublishDuplicateSlugConflict(t *testing.T) {
	a := setupTestApp(t)

	if rec := doJSON(a, http.MethodPost, "/api/publish", publishBody); rec.Code != http.StatusCreated {
		t.Fatalf("first publish: status = %d", rec.Code)
	}
	rec := doJSON(a, http.MethodPost, "/api/publish", publishBody)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate publish: status = %d, want 409", rec.Code)
	}
	posts, _ := a.Store.ListPosts(ListFilter{})
	if len(posts) != 1 {
		t.Errorf("post count = %d, want 1", len(posts))
	}
}

func TestGetAndListPosts(t *testing.T) {
	a := setupTestApp(t)
	doJSON(a, http.MethodPost, "/api/publish", publishBody)

	rec := doJSON(a, http.MethodGet, "/api/posts/hello-world", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var post Post
	decodeBody(t, rec, &post)
	if post.Title != "Hello World" {
		t.Errorf("title = %q", post.Title)
	}

	rec = doJSON(a, http.MethodGet, "/api/posts/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing post: status = %d", rec.Code)
	}

	rec = doJSON(a, http.MethodGet, "/api/posts?tag=intro", "")
	var posts []Post
	decodeBody(t, rec, &posts)
	if len(posts) != 1 {
		t.Errorf("tag=intro count = %d, want 1", len(posts))
	}

	rec = doJSON(a, http.MethodGet, "/api/posts?tag=nomatch", "")
	posts = nil
	decodeBody(t, rec, &posts)
	if len(posts) != 0 {
		t.Errorf("tag=nomatch count = %d, want 0", len(posts))
	}
}

func TestUpdatePost(t *testing.T) {
	a := setupTestApp(t)
	doJSON(a, http.MethodPost, "/api/publish", publishBody)

	before, _ := a.Store.GetPost("hello-world")

	rec := doJSON(a, http.MethodPut, "/api/posts/hello-world", `{
		"type": "post",
		"content": "# Updated",
		"metadata": {"title": "Hello World", "tags": "updated"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got, err := a.Store.GetPost("hello-world")
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if got.Content != "# Updated" {
		t.Errorf("content = %q", got.Content)
	}
	assertTags(t, got.Tags, []string{"updated"})

	// The mirror was rewritten in place, not under a new name.
	if got.FilePath != before.FilePath {
		t.Errorf("file_path changed: %q -> %q", before.FilePath, got.FilePath)
	}
	data, err := os.ReadFile(got.FilePath)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if !strings.Contains(string(data), "# Updated") {
		t.Error("mirror file not rewritten")
	}

	rec = doJSON(a, http.MethodPut, "/api/posts/ghost", `{"content":"x","metadata":{"title":"G"}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing post: status = %d", rec.Code)
	}
}

func TestDeletePost(t *testing.T) {
	a := setupTestApp(t)
	doJSON(a, http.MethodPost, "/api/publish", publishBody)
	post, _ := a.Store.GetPost("hello-world")

	rec := doJSON(a, http.MethodDelete, "/api/posts/hello-world", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := os.Stat(post.FilePath); !os.IsNotExist(err) {
		t.Errorf("mirror file should be removed, got %v", err)
	}
	if rec := doJSON(a, http.MethodGet, "/api/posts/hello-world", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
	if rec := doJSON(a, http.MethodDelete, "/api/posts/hello-world", ""); rec.Code != http.StatusNotFound {
		t.Errorf("double delete: status = %d", rec.Code)
	}
}

func TestPublishDeployHook(t *testing.T) {
	a := setupTestApp(t)

	var gotPayload map[string]string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	body := fmt.Sprintf(`{
		"type": "post",
		"content": "# Hi",
		"metadata": {"title": "Hooked", "deployHook": %q}
	}`, hook.URL)
	rec := doJSON(a, http.MethodPost, "/api/publish", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotPayload["type"] != TypePost || !strings.HasSuffix(gotPayload["filename"], "-hooked.md") {
		t.Errorf("hook payload = %v", gotPayload)
	}
}

func TestPublishDeployHookFailureKeepsContent(t *testing.T) {
	a := setupTestApp(t)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	body := fmt.Sprintf(`{
		"type": "post",
		"content": "# Hi",
		"metadata": {"title": "Hooked", "deployHook": %q}
	}`, hook.URL)
	rec := doJSON(a, http.MethodPost, "/api/publish", body)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	// The failed hook does not roll back the committed write.
	post, err := a.Store.GetPost("hooked")
	if err != nil {
		t.Fatalf("post should survive hook failure: %v", err)
	}
	if _, err := os.Stat(post.FilePath); err != nil {
		t.Errorf("mirror file should survive hook failure: %v", err)
	}
}

func TestUploadParsesFrontMatter(t *testing.T) {
	a := setupTestApp(t)

	var buf strings.Builder
	boundary := "testboundary"
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"draft.md\"\r\n")
	buf.WriteString("Content-Type: text/markdown\r\n\r\n")
	buf.WriteString("---\ntitle: Uploaded\ntags: [a, b]\n---\n\nbody text\n")
	buf.WriteString("\r\n--" + boundary + "--\r\n")

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(buf.String()))
	req.Header.Set(echo.HeaderContentType, "multipart/form-data; boundary="+boundary)
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Content  string   `json:"content"`
		Metadata FileMeta `json:"metadata"`
	}
	decodeBody(t, rec, &resp)
	if resp.Metadata.Title != "Uploaded" {
		t.Errorf("title = %q", resp.Metadata.Title)
	}
	if !strings.Contains(resp.Content, "body text") {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestContentListing(t *testing.T) {
	a := setupTestApp(t)
	doJSON(a, http.MethodPost, "/api/publish", publishBody)

	rec := doJSON(a, http.MethodGet, "/api/content/posts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []FileEntry
	decodeBody(t, rec, &entries)
	if len(entries) != 1 || entries[0].Meta.Title != "Hello World" {
		t.Errorf("entries = %+v", entries)
	}

	rec = doJSON(a, http.MethodGet, "/api/content/presentations", "")
	entries = nil
	decodeBody(t, rec, &entries)
	if len(entries) != 0 {
		t.Errorf("presentations should be empty, got %+v", entries)
	}
}

func TestWatchControl(t *testing.T) {
	a := setupTestApp(t)
	dir := t.TempDir()

	body := fmt.Sprintf(`{"path": %q, "interval": 60000}`, dir)
	if rec := doJSON(a, http.MethodPost, "/api/watch/start", body); rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(a, http.MethodPost, "/api/watch/start", body); rec.Code != http.StatusConflict {
		t.Errorf("double start: status = %d, want 409", rec.Code)
	}

	rec := doJSON(a, http.MethodGet, "/api/watch/status", "")
	var status []watchStatusEntry
	decodeBody(t, rec, &status)
	if len(status) != 1 || status[0].Path != dir || status[0].Interval != 60000 {
		t.Errorf("status = %+v", status)
	}

	if rec := doJSON(a, http.MethodPost, "/api/watch/stop", fmt.Sprintf(`{"path": %q}`, dir)); rec.Code != http.StatusOK {
		t.Errorf("stop: status = %d", rec.Code)
	}
	if rec := doJSON(a, http.MethodPost, "/api/watch/stop", fmt.Sprintf(`{"path": %q}`, dir)); rec.Code != http.StatusNotFound {
		t.Errorf("double stop: status = %d, want 404", rec.Code)
	}
}
