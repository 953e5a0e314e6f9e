package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/cleanup"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/storage"
	"github.com/nepiskopos/open-webui-enhancements/internal/task"
	"github.com/nepiskopos/open-webui-enhancements/internal/token"
	"github.com/nepiskopos/open-webui-enhancements/internal/worker"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls int
	fail  map[string]error
}

func (f *fakeInvoker) Invoke(_ context.Context, p backend.Prompt) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	for marker, err := range f.fail {
		if strings.Contains(p.User, marker) {
			return "", err
		}
	}
	start := strings.Index(p.User, "### Input:\n") + len("### Input:\n")
	end := strings.Index(p.User, "\n\n### Response:")
	return "Summary of " + p.User[start:end], nil
}

func (f *fakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memJournal struct {
	mu      sync.Mutex
	entries []storage.Entry
}

func (j *memJournal) Record(_ context.Context, entries ...storage.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entries...)
	return nil
}

type harness struct {
	orch    *Orchestrator
	invoker *fakeInvoker
	journal *memJournal
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{invoker: &fakeInvoker{}, journal: &memJournal{}, dir: dir}
	h.orch = New(Options{
		Pipeline:   "summarization-pipeline",
		Profile:    task.Summary(),
		Invoker:    h.invoker,
		Pool:       worker.NewPool(4),
		Journal:    h.journal,
		Remover:    cleanup.NewRemover(dir, logging.Nop()),
		Logger:     logging.Nop(),
		EmbedToken: true,
	})
	return h
}

func docx(id, name string, created int64, content string) models.FileEntry {
	return models.FileEntry{Type: "file", File: &models.FileInfo{
		ID:        id,
		Filename:  name,
		Meta:      models.FileMeta{Name: name, ContentType: models.DocxContentType},
		Data:      models.FileData{Content: content},
		CreatedAt: models.UnixTime(created),
	}}
}

func pdf(id, name string, created int64) models.FileEntry {
	e := docx(id, name, created, "%PDF")
	e.File.Meta.ContentType = "application/pdf"
	return e
}

func inletBody(chatID string, files ...models.FileEntry) *models.InletBody {
	return &models.InletBody{
		Model:    "summarization-pipeline",
		Messages: []models.Message{{Role: models.RoleUser, Content: "Summarize please"}},
		Files:    files,
		Metadata: models.Metadata{
			ChatID: chatID,
			Files:  append([]models.FileEntry(nil), files...),
			Model:  &models.ModelInfo{ID: "summarization-pipeline", Created: 100},
		},
	}
}

func (h *harness) artifact(t *testing.T, e models.FileEntry) string {
	t.Helper()
	path := filepath.Join(h.dir, e.File.ID+"_"+e.File.Filename)
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o600))
	return path
}

// turn runs inlet, pipe and outlet the way the host does and returns the
// rendered assistant message.
func (h *harness) turn(t *testing.T, user models.User, body *models.InletBody) (string, error) {
	t.Helper()
	ctx := context.Background()
	out, _, err := h.orch.Inlet(ctx, body, user)
	require.NoError(t, err)
	reply := h.orch.Pipe(ctx, PipeRequest{User: user, Messages: out.Messages})
	outlet := &models.OutletBody{
		ChatID:   body.Metadata.ChatID,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Summarize please"}, {Role: models.RoleAssistant, Content: reply}},
	}
	res, err := h.orch.Outlet(ctx, outlet, user)
	return res.LastContent(), err
}

func TestScenarioAcceptedFileIsStaged(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	body := inletBody("c1", docx("old", "old.docx", 50, "old text"), docx("f1", "report.docx", 200, "Quarterly <b>report</b>"))

	out, turn, err := h.orch.Inlet(context.Background(), body, user)
	require.NoError(t, err)
	assert.Equal(t, models.NewSessionKey("u1", "c1"), turn.Key)
	assert.NotEmpty(t, turn.RunID)

	staged := h.orch.Store().Get(turn.Key)
	require.Len(t, staged, 1)
	assert.Equal(t, models.Accepted, staged["f1"].Acceptability)
	assert.Equal(t, "Quarterly report", staged["f1"].NormalizedContent)

	require.Len(t, out.Files, 1)
	assert.Equal(t, "f1", out.Files[0].ID())
	require.Len(t, out.Metadata.Files, 1)
	assert.EqualValues(t, 200, h.orch.Ledger().Get(turn.Key))

	visible, chatID, ok := token.Decode(out.Messages[0].Content)
	require.True(t, ok)
	assert.Equal(t, "c1", chatID)
	assert.Equal(t, "Summarize please", visible)
}

func TestScenarioRejectedFileIsExplained(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	scan := pdf("p1", "scan.pdf", 300)
	path := h.artifact(t, scan)

	rendered, err := h.turn(t, user, inletBody("c1", scan))
	require.NoError(t, err)
	assert.Contains(t, rendered, MsgNoFiles)
	assert.Contains(t, rendered, "This model only supports DOCX files; the following files were not processed: scan.pdf")
	assert.NoFileExists(t, path)
	assert.Zero(t, h.invoker.Calls())
	assert.Zero(t, h.orch.Store().Len())
}

func TestScenarioPipeWithoutStagedFiles(t *testing.T) {
	h := newHarness(t)
	msgs := []models.Message{{Role: models.RoleUser, Content: token.Encode("hello", "c9")}}
	reply := h.orch.Pipe(context.Background(), PipeRequest{User: models.User{ID: "u1"}, Messages: msgs})
	assert.Equal(t, MsgNoFiles, reply)
	assert.Zero(t, h.invoker.Calls())
	assert.Equal(t, "hello", msgs[0].Content, "token must be stripped from the visible message")
}

func TestScenarioPartialBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.invoker.fail = map[string]error{"broken": fmt.Errorf("%w: status 401", backend.ErrUnauthorized)}
	user := models.User{ID: "u1"}
	good := docx("g", "good.docx", 200, "fine content")
	bad := docx("b", "bad.docx", 201, "broken content")
	goodPath, badPath := h.artifact(t, good), h.artifact(t, bad)

	rendered, err := h.turn(t, user, inletBody("c1", good, bad))
	require.NoError(t, err)
	assert.Contains(t, rendered, "### Summary for file **good.docx**:\nSummary of fine content")
	assert.Contains(t, rendered, "Failed to process file **bad.docx**: Authentication failed")
	assert.Equal(t, 1, strings.Count(rendered, "### Summary for file"))
	assert.NoFileExists(t, goodPath)
	assert.NoFileExists(t, badPath)
	assert.Zero(t, h.orch.Store().Len())

	statuses := map[string]string{}
	for _, e := range h.journal.entries {
		statuses[e.FileID] = e.Status
	}
	assert.Equal(t, map[string]string{"g": storage.StatusProcessed, "b": storage.StatusFailed}, statuses)
}

func TestEmptyFileIsListedAsFailed(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}

	rendered, err := h.turn(t, user, inletBody("c1", docx("g", "good.docx", 200, "fine"), docx("e", "empty.docx", 201, "   ")))
	require.NoError(t, err)
	assert.Contains(t, rendered, "### Summary for file **good.docx**:\nSummary of fine")
	assert.Contains(t, rendered, "Failed to process file **empty.docx**")
	assert.NotContains(t, rendered, "**empty.docx**:")
	assert.Equal(t, 1, h.invoker.Calls())
}

func TestInletWithoutFilesDropsStaleScope(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	ctx := context.Background()
	first := docx("f1", "a.docx", 200, "old text")
	path := h.artifact(t, first)

	_, _, err := h.orch.Inlet(ctx, inletBody("c1", first), user)
	require.NoError(t, err)
	// The outlet of that turn never ran.
	out, _, err := h.orch.Inlet(ctx, inletBody("c1"), user)
	require.NoError(t, err)
	assert.Zero(t, h.orch.Store().Len())
	assert.NoFileExists(t, path)

	reply := h.orch.Pipe(ctx, PipeRequest{User: user, Messages: out.Messages})
	assert.Equal(t, MsgNoFiles, reply)
	assert.Zero(t, h.invoker.Calls())
}

func TestAdmissionIsStrictAndIdempotent(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	key := models.NewSessionKey("u1", "c1")

	_, err := h.turn(t, user, inletBody("c1", docx("f1", "a.docx", 200, "first")))
	require.NoError(t, err)
	require.Equal(t, 1, h.invoker.Calls())

	// Re-delivered history plus a file stamped exactly at the watermark.
	out, _, err := h.orch.Inlet(context.Background(), inletBody("c1", docx("f1", "a.docx", 200, "first"), docx("f2", "b.docx", 200, "same ts")), user)
	require.NoError(t, err)
	assert.Empty(t, out.Files)
	assert.Empty(t, h.orch.Store().Get(key))

	out, _, err = h.orch.Inlet(context.Background(), inletBody("c1", docx("f1", "a.docx", 200, "first"), docx("f3", "c.docx", 201, "new")), user)
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "f3", out.Files[0].ID())
	assert.EqualValues(t, 201, h.orch.Ledger().Get(key))
}

func TestModelCreatedSeedsWatermark(t *testing.T) {
	h := newHarness(t)
	body := inletBody("c1", docx("early", "early.docx", 90, "x"))
	out, _, err := h.orch.Inlet(context.Background(), body, models.User{ID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, out.Files)
	assert.EqualValues(t, 100, h.orch.Ledger().Get(models.NewSessionKey("u1", "c1")))
}

func TestMalformedEntriesAreSkipped(t *testing.T) {
	h := newHarness(t)
	broken := models.FileEntry{Type: "file", File: &models.FileInfo{ID: "x", CreatedAt: 500}}
	body := inletBody("c1", broken, models.FileEntry{Type: "file"}, docx("ok", "ok.docx", 300, "text"))
	out, _, err := h.orch.Inlet(context.Background(), body, models.User{ID: "u1"})
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "ok", out.Files[0].ID())
}

func TestTaskRequestsBypass(t *testing.T) {
	h := newHarness(t)
	body := inletBody("c1", docx("f1", "a.docx", 200, "x"))
	body.Metadata.Task = "title_generation"
	out, _, err := h.orch.Inlet(context.Background(), body, models.User{ID: "u1"})
	require.NoError(t, err)
	assert.Len(t, out.Files, 1)
	assert.Equal(t, "Summarize please", out.Messages[0].Content)
	assert.Zero(t, h.orch.Store().Len())

	reply := h.orch.Pipe(context.Background(), PipeRequest{User: models.User{ID: "u1"}, Metadata: models.Metadata{Task: "tags_generation"}})
	assert.Empty(t, reply)
}

func TestAllEmptyFiles(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	rendered, err := h.turn(t, user, inletBody("c1", docx("e", "empty.docx", 200, "  \n\t ")))
	require.NoError(t, err)
	assert.Equal(t, MsgAllEmpty, rendered)
	assert.Zero(t, h.invoker.Calls())
}

func TestTotalFailureRendersGenericError(t *testing.T) {
	h := newHarness(t)
	h.invoker.fail = map[string]error{"": backend.ErrUnavailable}
	user := models.User{ID: "u1"}
	ctx := context.Background()

	out, _, err := h.orch.Inlet(ctx, inletBody("c1", docx("f", "a.docx", 200, "text")), user)
	require.NoError(t, err)
	reply := h.orch.Pipe(ctx, PipeRequest{User: user, Messages: out.Messages})
	assert.Equal(t, "ERROR: "+MsgProcessFailed, reply)

	res, err := h.orch.Outlet(ctx, &models.OutletBody{ChatID: "c1", Messages: []models.Message{{Role: models.RoleAssistant, Content: reply}}}, user)
	require.NoError(t, err)
	assert.Equal(t, MsgGenericError, res.LastContent())
}

func TestTypedChatIDWinsOverToken(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	_, _, err := h.orch.Inlet(context.Background(), inletBody("real", docx("f", "a.docx", 200, "text")), user)
	require.NoError(t, err)
	msgs := []models.Message{{Role: models.RoleUser, Content: token.Encode("q", "spoofed")}}
	reply := h.orch.Pipe(context.Background(), PipeRequest{User: user, Messages: msgs, Metadata: models.Metadata{ChatID: "real"}})
	assert.Contains(t, reply, `"id": "f"`)
}

type failingRemover struct {
	dir     string
	removed []string
}

func (r *failingRemover) UploadDir() string { return r.dir }

func (r *failingRemover) RemoveArtifacts(files []*models.StagedFile) error {
	var failed error
	for _, f := range files {
		if f.ID == "locked" {
			failed = &fs.PathError{Op: "remove", Path: f.ArtifactPath(r.dir), Err: fs.ErrPermission}
			continue
		}
		r.removed = append(r.removed, f.ID)
	}
	return failed
}

func TestOutletSurfacesPermissionErrorAndPurgesScope(t *testing.T) {
	h := newHarness(t)
	remover := &failingRemover{dir: h.dir}
	h.orch.opts.Remover = remover
	user := models.User{ID: "u1"}

	_, err := h.turn(t, user, inletBody("c1", docx("locked", "a.docx", 200, "x"), docx("free", "b.docx", 201, "y")))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, []string{"free"}, remover.removed)
	assert.Zero(t, h.orch.Store().Len(), "scope must be purged even when cleanup fails")
}

func TestStaleScopeIsReplacedAndCleaned(t *testing.T) {
	h := newHarness(t)
	user := models.User{ID: "u1"}
	first := docx("f1", "a.docx", 200, "x")
	path := h.artifact(t, first)

	_, _, err := h.orch.Inlet(context.Background(), inletBody("c1", first), user)
	require.NoError(t, err)
	// The outlet of that turn never ran.
	_, _, err = h.orch.Inlet(context.Background(), inletBody("c1", docx("f2", "b.docx", 300, "y")), user)
	require.NoError(t, err)

	staged := h.orch.Store().Get(models.NewSessionKey("u1", "c1"))
	assert.Len(t, staged, 1)
	assert.Contains(t, staged, "f2")
	assert.NoFileExists(t, path)
}

func TestConcurrentTurnsAcrossKeys(t *testing.T) {
	h := newHarness(t)
	const turns, keys = 100, 10

	var keyLocks [keys]sync.Mutex
	var clocks [keys]int64
	var wg sync.WaitGroup
	results := make([]string, turns)
	errs := make([]error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := i % keys
			keyLocks[k].Lock()
			defer keyLocks[k].Unlock()
			clocks[k]++
			user := models.User{ID: fmt.Sprintf("user-%d", k)}
			body := inletBody(fmt.Sprintf("chat-%d", k), docx(fmt.Sprintf("file-%d", i), fmt.Sprintf("doc-%d.docx", i), 1000+clocks[k], fmt.Sprintf("content-%d", i)))
			results[i], errs[i] = h.turn(t, user, body)
		}(i)
	}
	wg.Wait()

	for i := 0; i < turns; i++ {
		require.NoError(t, errs[i])
		assert.Contains(t, results[i], fmt.Sprintf("### Summary for file **doc-%d.docx**:\nSummary of content-%d", i, i))
		assert.Equal(t, 1, strings.Count(results[i], "### Summary for file"), "turn %d saw foreign files", i)
	}
	assert.Zero(t, h.orch.Store().Len())
	assert.Equal(t, turns, h.invoker.Calls())
}
