package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/pcr-intake/interpret"
	"github.com/jupark12/pcr-intake/models"
	"github.com/jupark12/pcr-intake/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInterpreter struct {
	mu      sync.Mutex
	results map[string]*interpret.Result
	errs    map[string]error
	panics  map[string]bool
	calls   []string
}

func (f *fakeInterpreter) Interpret(_ context.Context, path string) (*interpret.Result, error) {
	name := filepath.Base(path)
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.panics[name] {
		panic("renderer exploded")
	}
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &interpret.Result{Payload: validPayload("1")}, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	records  []models.PersistedRecord
	err      error
	onUpsert func()
}

func (g *fakeGateway) Upsert(_ context.Context, rec models.PersistedRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.records = append(g.records, rec)
	if g.onUpsert != nil {
		g.onUpsert()
	}
	return nil
}

func (g *fakeGateway) Close() error { return nil }

type fakeMirror struct {
	uploaded []models.QuarantineItem
	err      error
}

func (m *fakeMirror) Upload(_ context.Context, _ string, item models.QuarantineItem) error {
	m.uploaded = append(m.uploaded, item)
	return m.err
}

func validPayload(cad string) map[string]any {
	return map[string]any{
		"incidentTimes": map[string]any{
			"cad":             cad,
			"unit_dispatched": "MEDIC-1",
			"times": map[string]any{
				"notifiedByDispatch": map[string]any{"date": "12/08/2025", "time": "14:30:00"},
			},
		},
		interpret.TokenUsageKey: map[string]any{"total_tokens": 10},
	}
}

type harness struct {
	q       *queue.DirQueue
	ledger  *queue.Ledger
	interp  *fakeInterpreter
	gateway *fakeGateway
	mirror  *fakeMirror
	proc    *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	work := filepath.Join(root, "work")
	require.NoError(t, os.Mkdir(work, 0755))

	q, err := queue.NewDirQueue(work, filepath.Join(root, "quarantine"), zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		q:       q,
		ledger:  queue.NewLedger(100),
		interp:  &fakeInterpreter{results: map[string]*interpret.Result{}, errs: map[string]error{}, panics: map[string]bool{}},
		gateway: &fakeGateway{},
		mirror:  &fakeMirror{},
	}
	h.proc = NewProcessor(q, h.ledger, h.interp, h.gateway, h.mirror, Config{
		Interval:         time.Hour,
		InterpretTimeout: time.Second,
		PersistTimeout:   time.Second,
	}, zerolog.Nop())
	return h
}

func (h *harness) drop(t *testing.T, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(h.q.Dir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func (h *harness) sidecars(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.q.QuarantineDir(), "*.error.txt"))
	require.NoError(t, err)
	return matches
}

func TestProcessPass_SuccessDeletesAfterPersist(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "fax.pdf", time.Minute)

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Seen: 1, Deleted: 1}, stats)

	assert.NoFileExists(t, path)
	require.Len(t, h.gateway.records, 1)
	assert.Equal(t, int64(1), h.gateway.records[0].IncidentNumber)
	assert.NotContains(t, h.gateway.records[0].Content, interpret.TokenUsageKey)
	assert.Empty(t, h.sidecars(t))

	items := h.ledger.List(models.StatusDeleted)
	require.Len(t, items, 1)
	assert.Equal(t, "MEDIC-1", items[0].UnitID)
}

func TestProcessPass_InterpretationFailureQuarantines(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "bad.pdf", time.Minute)
	h.interp.errs["bad.pdf"] = &interpret.Error{Message: "failed to parse JSON response", RawResponse: "nope"}

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantined)

	assert.NoFileExists(t, path)
	sidecars := h.sidecars(t)
	require.Len(t, sidecars, 1)
	body, err := os.ReadFile(sidecars[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "failed to parse JSON response")

	assert.Empty(t, h.gateway.records)
	assert.Len(t, h.mirror.uploaded, 1)

	items := h.ledger.List(models.StatusQuarantined)
	require.Len(t, items, 1)
	assert.NotEmpty(t, items[0].QuarantinePath)
	assert.FileExists(t, items[0].QuarantinePath)
}

func TestProcessPass_ValidationFailureQuarantines(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "nocad.pdf", time.Minute)
	p := validPayload("1")
	delete(p["incidentTimes"].(map[string]any), "cad")
	h.interp.results["nocad.pdf"] = &interpret.Result{Payload: p}

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantined)

	items, err := h.q.ListQuarantine()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "incidentTimes.cad")
}

func TestProcessPass_PersistenceFailureQuarantines(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "fax.pdf", time.Minute)
	h.gateway.err = errors.New("connection refused")

	_, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)

	assert.NoFileExists(t, path)
	require.Len(t, h.sidecars(t), 1)
	assert.Len(t, h.ledger.List(models.StatusQuarantined), 1)
	assert.Empty(t, h.ledger.List(models.StatusDeleted))
}

func TestProcessPass_PanicIsQuarantinedAndLoopContinues(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "boom.pdf", 2*time.Minute)
	good := h.drop(t, "good.pdf", time.Minute)
	h.interp.panics["boom.pdf"] = true

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Seen: 2, Deleted: 1, Quarantined: 1}, stats)

	assert.NoFileExists(t, good)
	items, err := h.q.ListQuarantine()
	require.Len(t, items, 1)
	require.NoError(t, err)
	assert.Contains(t, items[0].Error, "renderer exploded")
}

func TestProcessPass_OldestFirst(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "A.pdf", 1*time.Minute)
	h.drop(t, "B.pdf", 3*time.Minute)
	h.drop(t, "C.pdf", 2*time.Minute)

	_, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B.pdf", "C.pdf", "A.pdf"}, h.interp.calls)
}

func TestProcessPass_CancelledContextStopsBetweenItems(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "A.pdf", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := h.proc.ProcessPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Seen)
	assert.Empty(t, h.interp.calls)
}

func TestProcessPass_MirrorFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "bad.pdf", time.Minute)
	h.interp.errs["bad.pdf"] = errors.New("unreadable")
	h.mirror.err = errors.New("s3 down")

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Quarantined)
}

// breakQuarantine replaces the quarantine directory with a plain file so
// every quarantine attempt fails; the returned func restores it
func (h *harness) breakQuarantine(t *testing.T) func() {
	t.Helper()
	dir := h.q.QuarantineDir()
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0644))
	return func() {
		require.NoError(t, os.Remove(dir))
		require.NoError(t, os.Mkdir(dir, 0755))
	}
}

func TestProcessPass_QuarantineFailureLeavesItemInPlace(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "a.pdf", time.Minute)
	h.interp.errs["a.pdf"] = errors.New("unreadable")
	restore := h.breakQuarantine(t)

	for i := 0; i < 5; i++ {
		stats, err := h.proc.ProcessPass(context.Background())
		require.NoError(t, err)
		assert.Equal(t, PassStats{Seen: 1, Stuck: 1}, stats)
	}

	assert.FileExists(t, path)
	assert.Equal(t, []string{"a.pdf"}, h.interp.calls, "a stuck item must not be interpreted again")
	require.Len(t, h.ledger.List(""), 1)
	assert.Equal(t, map[models.ItemStatus]int{models.StatusInterpretFailed: 1}, h.ledger.Counts())
	assert.Empty(t, h.gateway.records)

	restore()
	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Seen: 1, Quarantined: 1}, stats)

	assert.NoFileExists(t, path)
	items, err := h.q.ListQuarantine()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Error, "unreadable")
	assert.Len(t, h.ledger.List(""), 1)
}

func TestProcessPass_DeleteFailureKeepsPersistedItem(t *testing.T) {
	h := newHarness(t)
	path := h.drop(t, "fax.pdf", time.Minute)
	info, err := os.Stat(path)
	require.NoError(t, err)

	// swap the file for a non-empty directory so the delete fails
	h.gateway.onUpsert = func() {
		_ = os.Remove(path)
		_ = os.MkdirAll(filepath.Join(path, "held"), 0755)
	}

	stats, err := h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Seen: 1, Stuck: 1}, stats)

	require.Len(t, h.gateway.records, 1)
	assert.Len(t, h.ledger.List(models.StatusPersisted), 1)
	assert.Empty(t, h.ledger.List(models.StatusQuarantined))
	assert.Empty(t, h.sidecars(t))

	h.gateway.onUpsert = nil
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0644))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	stats, err = h.proc.ProcessPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Seen: 1, Deleted: 1}, stats)

	assert.NoFileExists(t, path)
	assert.Len(t, h.interp.calls, 1)
	assert.Len(t, h.gateway.records, 1)
	require.Len(t, h.ledger.List(""), 1)
	assert.Len(t, h.ledger.List(models.StatusDeleted), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.drop(t, "fax.pdf", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.ledger.List(models.StatusDeleted)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}
