package api

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/github/githubtest"
	"github.com/joescharf/reposync/internal/gitsync"
	"github.com/joescharf/reposync/internal/manifest"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
	"github.com/joescharf/reposync/internal/worker"
)

var testRepo = github.Repo{Owner: "acme", Name: "clock"}

type queue struct {
	tasks []worker.Task
}

func (q *queue) Submit(t worker.Task) error {
	q.tasks = append(q.tasks, t)
	return nil
}

type testEnv struct {
	handler http.Handler
	store   *store.SQLiteStore
	remote  *githubtest.Remote
	queue   *queue
	leases  *gitsync.Leases
	project *models.Project
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	p := &models.Project{
		Name: "clock", OwnerID: "u1", AppUUID: "133215f0-cf20-4c05-997b-3c9be5a64e5b",
		ShortName: "clock", LongName: "Clock", VersionLabel: "1.0", LayoutVersion: models.LayoutV1,
	}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NoError(t, s.PutCredential(ctx, &models.Credential{OwnerID: "u1", Token: "tok"}))
	require.NoError(t, s.PutSource(ctx, &models.SourceFile{ProjectID: p.ID, Path: "main.c", Content: "A"}))

	fake := githubtest.New()
	fake.Collaborators[testRepo.String()] = []string{fake.Login}
	q := &queue{}
	recorder := build.NewRecorder(s, nil)
	leases := gitsync.NewLeases(filepath.Join(dir, "leases"), 0)
	orch := gitsync.New(gitsync.Options{
		Store:   s,
		Remote:  fake,
		Builder: recorder,
		Queue:   q,
		Leases:  leases,
	})
	srv := NewServer(Options{Store: s, Sync: orch, Builds: recorder, BaseURL: "https://sync.example.com"})
	return &testEnv{handler: srv.Router(), store: s, remote: fake, queue: q, leases: leases, project: p}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, mainC string) string {
	t.Helper()
	m, err := manifest.Build(models.LayoutV1, e.project, nil)
	require.NoError(t, err)
	data, err := manifest.Encode(m)
	require.NoError(t, err)
	return e.remote.Seed(testRepo, "main", map[string][]byte{"appinfo.json": data, "src/main.c": []byte(mainC)})
}

// link links the project with both automation flags on and returns its
// webhook secret.
func (e *testEnv) link(t *testing.T) string {
	t.Helper()
	w := e.do(t, "PUT", "/api/v1/projects/"+e.project.ID+"/sync",
		[]byte(`{"repo":"acme/clock","branch":"main","auto_pull":true,"auto_build":true}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st, err := e.store.GetSyncState(context.Background(), e.project.ID)
	require.NoError(t, err)
	return st.WebhookSecret
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthz(t *testing.T) {
	e := setupTestServer(t)
	w := e.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestProjects_API(t *testing.T) {
	e := setupTestServer(t)

	w := e.do(t, "GET", "/api/v1/projects", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var projects []*models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "clock", projects[0].Name)

	w = e.do(t, "GET", "/api/v1/projects/"+e.project.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", "/api/v1/projects/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSync_API(t *testing.T) {
	e := setupTestServer(t)
	base := "/api/v1/projects/" + e.project.ID

	w := e.do(t, "GET", base+"/sync", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	head := e.seed(t, "A")
	secret := e.link(t)

	w = e.do(t, "GET", base+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status syncStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "acme/clock", status.Repo)
	assert.True(t, status.AutoBuild)
	assert.Equal(t, "https://sync.example.com/api/v1/projects/"+e.project.ID+"/github/push?key="+secret, status.WebhookURL)
	assert.NotContains(t, w.Body.String(), `"webhook_secret"`)

	// Linked but never synced: the pull brings in the seeded commit.
	w = e.do(t, "POST", base+"/sync/pull", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pulled map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pulled))
	assert.Equal(t, false, pulled["skipped"])
	assert.Equal(t, head, pulled["commit"])

	w = e.do(t, "POST", base+"/sync/push", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pushed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pushed))
	assert.Equal(t, false, pushed["changed"])
	assert.Equal(t, head, pushed["commit"])

	w = e.do(t, "DELETE", base+"/sync", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "POST", base+"/sync/push", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSync_API_PullOutlivesClient(t *testing.T) {
	e := setupTestServer(t)
	head := e.seed(t, "B")
	e.link(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/projects/"+e.project.ID+"/sync/pull", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	st, err := e.store.GetSyncState(context.Background(), e.project.ID)
	require.NoError(t, err)
	assert.Equal(t, head, st.LastSyncedCommit)
	assert.Empty(t, st.PendingCommit)
}

func TestLink_API_Errors(t *testing.T) {
	e := setupTestServer(t)
	base := "/api/v1/projects/" + e.project.ID

	w := e.do(t, "PUT", base+"/sync", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "PUT", base+"/sync", []byte(`{"repo":"acme/clock","branch":"main"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	e.seed(t, "A")
	e.remote.Collaborators[testRepo.String()] = nil
	w = e.do(t, "PUT", base+"/sync", []byte(`{"repo":"acme/clock","branch":"main"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhook_API(t *testing.T) {
	e := setupTestServer(t)
	e.seed(t, "A")
	secret := e.link(t)
	path := "/api/v1/projects/" + e.project.ID + "/github/push?key="

	body := []byte(`{"ref":"refs/heads/main","before":"a","after":"b","repository":{"full_name":"acme/clock"}}`)

	t.Run("bad secret", func(t *testing.T) {
		w := e.do(t, "POST", path+"wrong", body)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		w := e.do(t, "POST", path+secret, body, "X-Hub-Signature-256", sign("other", body))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("ping", func(t *testing.T) {
		w := e.do(t, "POST", path+secret, []byte(`{"zen":"hi"}`), "X-GitHub-Event", "ping")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, e.queue.tasks)
	})

	t.Run("other ref", func(t *testing.T) {
		other := []byte(`{"ref":"refs/heads/feature","after":"b"}`)
		w := e.do(t, "POST", path+secret, other, "X-GitHub-Event", "push")
		assert.Equal(t, http.StatusOK, w.Code)
		var d gitsync.Dispatch
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
		assert.True(t, d.Ignored)
		assert.Empty(t, e.queue.tasks)
	})

	t.Run("invalid payload", func(t *testing.T) {
		w := e.do(t, "POST", path+secret, []byte("nope"), "X-GitHub-Event", "push")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("queued", func(t *testing.T) {
		w := e.do(t, "POST", path+secret, body, "X-GitHub-Event", "push", "X-Hub-Signature-256", sign(secret, body))
		assert.Equal(t, http.StatusAccepted, w.Code)
		var d gitsync.Dispatch
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
		assert.True(t, d.PullQueued)
		assert.True(t, d.BuildQueued)
		assert.Len(t, e.queue.tasks, 2)
	})
}

func TestBuilds_API(t *testing.T) {
	e := setupTestServer(t)
	base := "/api/v1/projects/" + e.project.ID

	w := e.do(t, "POST", base+"/builds", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var b models.BuildRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, models.BuildTriggerManual, b.Trigger)
	assert.Equal(t, models.BuildStatePending, b.State)

	w = e.do(t, "GET", base+"/builds?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var builds []*models.BuildRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &builds))
	assert.Len(t, builds, 1)

	w = e.do(t, "GET", base+"/builds?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/api/v1/builds/"+b.ID+"/complete", []byte(`{"success":true,"log":"ok","artifact_size":1024}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done models.BuildRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.Equal(t, models.BuildStateSucceeded, done.State)
	assert.Equal(t, int64(1024), done.ArtifactSize)

	w = e.do(t, "POST", "/api/v1/builds/"+b.ID+"/complete", []byte(`{"success":false}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, "POST", "/api/v1/builds/missing/complete", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/api/v1/projects/missing/builds", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImport_API(t *testing.T) {
	e := setupTestServer(t)

	m, err := manifest.Build(models.LayoutV1, &models.Project{ShortName: "legacy", VersionLabel: "1.0"}, nil)
	require.NoError(t, err)
	data, err := manifest.Encode(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string][]byte{
		"clock-main/appinfo.json": data,
		"clock-main/src/main.c":   []byte("imported"),
	} {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Modified: time.Now()})
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	w := e.do(t, "POST", "/api/v1/projects/"+e.project.ID+"/import", buf.Bytes())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sources, err := e.store.ListSources(context.Background(), e.project.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "imported", sources[0].Content)

	w = e.do(t, "POST", "/api/v1/projects/"+e.project.ID+"/import", []byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImport_API_LeaseBusy(t *testing.T) {
	e := setupTestServer(t)
	e.seed(t, "remote")
	archive, err := e.remote.DownloadArchive(context.Background(), github.Credential{}, testRepo, "main")
	require.NoError(t, err)

	release, err := e.leases.Acquire(context.Background(), e.project.ID)
	require.NoError(t, err)
	w := e.do(t, "POST", "/api/v1/projects/"+e.project.ID+"/import", archive)
	assert.Equal(t, http.StatusConflict, w.Code)
	release()

	sources, err := e.store.ListSources(context.Background(), e.project.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "A", sources[0].Content)

	w = e.do(t, "POST", "/api/v1/projects/"+e.project.ID+"/import", archive)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
