package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guidesmith/internal/guidelines"
	"github.com/fyrsmithlabs/guidesmith/internal/history"
	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/lock"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

func init() {
	color.NoColor = true
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name                                   string
		lockFound, live, checkpoint, committed bool
		want                                   State
	}{
		{"nothing", false, false, false, false, StateNotStarted},
		{"live lock", true, true, true, true, StateRunning},
		{"dead holder", true, false, false, false, StatePaused},
		{"checkpoint only", false, false, true, false, StatePaused},
		{"checkpoint over committed", false, false, true, true, StatePaused},
		{"committed", false, false, false, true, StateComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.lockFound, tt.live, tt.checkpoint, tt.committed))
		})
	}
}

type env struct {
	store    *kv.FileStore
	docs     *guidelines.Store
	hist     *history.Log
	live     map[string]bool
	reporter *Reporter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := kv.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{store: store, docs: guidelines.NewStore(store), hist: history.NewLog(store), live: map[string]bool{}}
	e.reporter = NewReporter(store, e.locks("observer"), e.docs, e.hist)
	return e
}

func (e *env) locks(holder string) *lock.Manager {
	return lock.NewManager(e.store,
		lock.WithHolder(holder),
		lock.WithHost("host-a"),
		lock.WithLiveness(lock.LivenessFunc(func(h string) bool { return e.live[h] })),
	)
}

func (e *env) register(t *testing.T, k target.Key) {
	t.Helper()
	require.NoError(t, target.Register(context.Background(), e.store, k))
}

func TestReporter_All(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	running := target.Key{Provider: "anthropic", Model: "claude-3-5"}
	stale := target.Key{Provider: "anthropic", Model: "claude-3-7"}
	paused := target.Key{Provider: "google", Model: "gemini-2"}
	complete := target.Key{Provider: "openai", Model: "gpt-4o"}
	fresh := target.Key{Provider: "openai", Model: "o3"}
	for _, k := range []target.Key{running, stale, paused, complete, fresh} {
		e.register(t, k)
	}

	e.live["proc-1"] = true
	acq, err := e.locks("proc-1").Acquire(ctx, running, "run-a")
	require.NoError(t, err)
	require.True(t, acq.Acquired)
	require.NoError(t, e.locks("proc-1").UpdateStatus(ctx, running, lock.Update{RunID: "run-a", Phase: "iterating", Iteration: 4}))

	_, err = e.locks("proc-dead").Acquire(ctx, stale, "run-b")
	require.NoError(t, err)

	require.NoError(t, e.docs.WriteCheckpoint(ctx, paused, guidelines.Checkpoint{
		RunID: "run-c", Iteration: 6, Document: "doc", BestPassed: 7, BestTotal: 10, Improvements: 2,
	}))
	for i := 1; i <= 5; i++ {
		require.NoError(t, e.hist.Append(ctx, history.Record{Key: paused, Iteration: i, RunID: "run-c", Verdict: history.VerdictImproved, Passed: i, Total: 10}))
	}
	require.NoError(t, e.hist.Append(ctx, history.Record{Key: paused, Iteration: 6, RunID: "run-c", Verdict: history.VerdictNoChange, Passed: 7, Total: 10}))

	require.NoError(t, e.docs.Commit(ctx, complete, "## Final\n- rules", "run-d"))

	statuses, err := e.reporter.All(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 5)

	byKey := map[target.Key]KeyStatus{}
	for _, st := range statuses {
		byKey[st.Key()] = st
	}

	assert.Equal(t, StateRunning, byKey[running].State)
	assert.Equal(t, "iterating", byKey[running].Phase)
	assert.Equal(t, 4, byKey[running].Iteration)
	assert.Equal(t, "proc-1", byKey[running].Holder)

	assert.Equal(t, StatePaused, byKey[stale].State)
	assert.Equal(t, "proc-dead", byKey[stale].Holder)

	assert.Equal(t, StatePaused, byKey[paused].State)
	assert.Equal(t, 6, byKey[paused].CheckpointIteration)
	assert.Equal(t, 7, byKey[paused].BestPassed)
	assert.Equal(t, "no_change", byKey[paused].LastVerdict)

	assert.Equal(t, StateComplete, byKey[complete].State)
	assert.True(t, byKey[complete].HasCommitted)
	assert.Equal(t, 4, byKey[complete].CommittedTokens)

	assert.Equal(t, StateNotStarted, byKey[fresh].State)

	assert.Equal(t, running, statuses[0].Key(), "sorted by provider then model")
	c := Counts(statuses)
	assert.Equal(t, 1, c[StateRunning])
	assert.Equal(t, 2, c[StatePaused])
}

func TestReporter_CorruptCommitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	k := target.Key{Provider: "openai", Model: "gpt-4o"}
	require.NoError(t, e.store.Put(ctx, kv.Join("committed", k.Slug()), []byte{0xff, 0xfe}))

	st, err := e.reporter.Key(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.State)
	assert.NotEmpty(t, st.Error)
}

func TestReporter_BestFromHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	k := target.Key{Provider: "openai", Model: "gpt-4o"}
	require.NoError(t, e.hist.Append(ctx, history.Record{Key: k, Iteration: 1, Verdict: history.VerdictImproved, Passed: 8, Total: 10}))
	require.NoError(t, e.hist.Append(ctx, history.Record{Key: k, Iteration: 2, Verdict: history.VerdictRegressed, Passed: 5, Total: 10}))
	require.NoError(t, e.docs.Commit(ctx, k, "doc", "r"))

	st, err := e.reporter.Key(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 8, st.BestPassed)
	assert.Equal(t, 2, st.LastIteration)
}

func TestWriteTable(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	updated := now.Add(-90 * time.Minute)
	statuses := []KeyStatus{
		{Provider: "anthropic", Model: "claude", State: StateRunning, Phase: "iterating", Iteration: 3,
			Holder: "4242", Host: "ci-1", BestPassed: 6, BestTotal: 8, LockUpdatedAt: &updated},
		{Provider: "openai", Model: "gpt-4o", State: StateComplete, HasCommitted: true, CommittedTokens: 512},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, statuses, now))
	out := buf.String()

	assert.Contains(t, out, "PROVIDER")
	assert.Contains(t, out, "3 (iterating)")
	assert.Contains(t, out, "6/8 (75.0%)")
	assert.Contains(t, out, "1h 30m ago")
	assert.Contains(t, out, "held by 4242@ci-1")
	assert.Contains(t, out, "512 tokens committed")
	assert.Contains(t, out, "1 running, 0 paused, 1 complete, 0 not started")

	buf.Reset()
	require.NoError(t, WriteTable(&buf, nil, now))
	assert.Equal(t, "No guideline runs recorded.\n", buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, []KeyStatus{{Provider: "p", Model: "m", State: StatePaused}}))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "paused", decoded[0]["state"])
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{2*time.Hour + 5*time.Minute, "2h 5m ago"},
		{50 * time.Hour, "2d 2h ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAge(now.Add(-tt.ago), now))
	}
	assert.Equal(t, "-", FormatAge(time.Time{}, now))
}

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "-", FormatScore(0, 0))
	assert.Equal(t, "1/3 (33.3%)", FormatScore(1, 3))
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, 20*time.Millisecond, nil, func() { changes <- struct{}{} })
	}()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
	sub := filepath.Join(dir, "history")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "00000001"), []byte("{}"), 0o644))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing"), 0, nil, func() {})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing") || os.IsNotExist(err))
}
