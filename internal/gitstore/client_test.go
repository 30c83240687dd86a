package gitstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fathom/internal/activity"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"notes.md", "reports/2026/stoicism.md", "a/b/c.txt", "dotted..name.md"}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}
	invalid := []string{"", "   ", "/etc/passwd", "/abs", `\windows`, "..", "../up", "a/../b", `a\..\b`, "reports/.."}
	for _, p := range invalid {
		if !errors.Is(ValidatePath(p), ErrInvalidPath) {
			t.Errorf("ValidatePath(%q) must reject", p)
		}
	}
}

// fakeGitHub implements just enough of the contents API for the client.
type fakeGitHub struct {
	t     *testing.T
	files map[string]string // path -> content
}

func (f *fakeGitHub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		switch {
		case r.URL.Path == "/repos/alice/notes" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"default_branch":"main"}`))
		case r.URL.Path == "/repos/alice/notes/contents" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[
				{"name":"a.md","path":"a.md","type":"file","size":5,"sha":"sha-a"},
				{"name":"reports","path":"reports","type":"dir"}
			]`))
		case r.Method == http.MethodGet:
			path := r.URL.Path[len("/repos/alice/notes/contents/"):]
			content, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Not Found"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name": path, "path": path, "type": "file", "sha": "sha-" + path,
				"size": len(content), "encoding": "base64",
				"content": base64.StdEncoding.EncodeToString([]byte(content)),
			})
		case r.Method == http.MethodPut:
			path := r.URL.Path[len("/repos/alice/notes/contents/"):]
			var body struct {
				Message string `json:"message"`
				Content string `json:"content"`
				Branch  string `json:"branch"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			raw, err := base64.StdEncoding.DecodeString(body.Content)
			if err != nil {
				f.t.Errorf("upload content not base64: %v", err)
			}
			f.files[path] = string(raw)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content": map[string]any{"path": path, "html_url": "https://github.test/" + path},
				"commit":  map[string]any{"html_url": "https://github.test/commit/1"},
			})
		case r.Method == http.MethodDelete:
			path := r.URL.Path[len("/repos/alice/notes/contents/"):]
			delete(f.files, path)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"commit": map[string]any{"html_url": "https://github.test/commit/2"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func testClient(t *testing.T, files map[string]string) (*Client, *activity.Channel, func()) {
	t.Helper()
	fake := &fakeGitHub{t: t, files: files}
	srv := httptest.NewServer(fake.handler())
	act := activity.NewChannel(50, nil)
	c := New(Config{Owner: "alice", Repo: "notes", Token: "tok", BaseURL: srv.URL}, srv.Client(), act, nil)
	return c, act, srv.Close
}

func TestVerify(t *testing.T) {
	c, act, done := testClient(t, map[string]string{})
	defer done()

	got, err := c.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !got.OK || got.Branch != "main" {
		t.Errorf("unexpected result: %+v", got)
	}

	entries := act.Snapshot(activity.SnapshotQuery{Limit: 10})
	if len(entries) != 1 || entries[0].Meta["action"] != "verify" {
		t.Errorf("verify must record activity: %+v", entries)
	}
}

func TestVerifyNotConfigured(t *testing.T) {
	c := New(Config{Owner: "alice"}, nil, nil, nil)
	if _, err := c.Verify(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestVerifyBadTokenRecordsSanitizedError(t *testing.T) {
	fake := &fakeGitHub{t: t, files: map[string]string{}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	act := activity.NewChannel(50, nil)
	c := New(Config{Owner: "alice", Repo: "notes", Token: "wrong", BaseURL: srv.URL}, srv.Client(), act, nil)

	_, err := c.Verify(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status() != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}

	entries := act.Snapshot(activity.SnapshotQuery{Limit: 10})
	if len(entries) != 1 || entries[0].Level != activity.LevelError {
		t.Fatalf("expected one error entry: %+v", entries)
	}
	// The raw error must be collapsed to {message, status}.
	collapsed, ok := entries[0].Meta["error"].(map[string]any)
	if !ok {
		t.Fatalf("error meta not collapsed: %#v", entries[0].Meta["error"])
	}
	if collapsed["status"] != http.StatusUnauthorized {
		t.Errorf("status missing from collapsed error: %#v", collapsed)
	}
}

func TestListEntries(t *testing.T) {
	c, _, done := testClient(t, map[string]string{})
	defer done()

	got, err := c.ListEntries(context.Background(), "", "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if got.Ref != "main" || len(got.Entries) != 2 {
		t.Fatalf("unexpected listing: %+v", got)
	}
	if got.Entries[1].Type != "dir" {
		t.Errorf("dir entry lost: %+v", got.Entries[1])
	}
}

func TestFetchFileDecodesBase64(t *testing.T) {
	c, _, done := testClient(t, map[string]string{"reports/a.md": "# hello"})
	defer done()

	got, err := c.FetchFile(context.Background(), "reports/a.md", "")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got.Content != "# hello" || got.SHA == "" {
		t.Errorf("unexpected file: %+v", got)
	}
}

func TestFetchFileNotFound(t *testing.T) {
	c, _, done := testClient(t, map[string]string{})
	defer done()
	if _, err := c.FetchFile(context.Background(), "missing.md", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchFileRejectsUnsafePath(t *testing.T) {
	c, act, done := testClient(t, map[string]string{})
	defer done()
	if _, err := c.FetchFile(context.Background(), "../secrets", ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if act.Len() != 0 {
		t.Errorf("rejected path must not hit the network or the feed")
	}
}

func TestUploadThenFetchRoundTrip(t *testing.T) {
	c, act, done := testClient(t, map[string]string{})
	defer done()

	summary, err := c.UploadFile(context.Background(), UploadParams{
		Path: "reports/new.md", Content: "fresh content", Message: "Add report",
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if summary.CommitURL == "" {
		t.Errorf("commit url missing: %+v", summary)
	}

	got, err := c.FetchFile(context.Background(), "reports/new.md", "")
	if err != nil {
		t.Fatalf("fetch after upload failed: %v", err)
	}
	if got.Content != "fresh content" {
		t.Errorf("content mismatch: %q", got.Content)
	}

	entries := act.Snapshot(activity.SnapshotQuery{Limit: 10})
	if entries[0].Meta["action"] != "upload" {
		t.Errorf("upload activity missing: %+v", entries)
	}
}

func TestPushBatchContinuesPastFailures(t *testing.T) {
	c, _, done := testClient(t, map[string]string{})
	defer done()

	result, err := c.PushBatch(context.Background(), []BatchFile{
		{Path: "ok.md", Content: "a"},
		{Path: "/bad/path.md", Content: "b"},
		{Path: "also-ok.md", Content: "c"},
	}, "Batch", "")
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if result.OK {
		t.Errorf("batch with a failed file must not report ok")
	}
	if len(result.Summaries) != 3 {
		t.Fatalf("summaries = %d", len(result.Summaries))
	}
	if result.Summaries[1].Error == "" {
		t.Errorf("failed file must carry its error: %+v", result.Summaries[1])
	}
	if result.Summaries[2].CommitURL == "" {
		t.Errorf("later file must still commit: %+v", result.Summaries[2])
	}
}

func TestDeleteFile(t *testing.T) {
	c, _, done := testClient(t, map[string]string{"old.md": "stale"})
	defer done()

	if _, err := c.DeleteFile(context.Background(), DeleteParams{Path: "old.md"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := c.FetchFile(context.Background(), "old.md", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("file survived delete: %v", err)
	}
}
