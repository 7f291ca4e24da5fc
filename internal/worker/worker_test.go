package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/synthesis"
	"github.com/kalambet/engram/internal/vector"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

// fakeSynthesizer returns a canned decision and records what it was asked.
type fakeSynthesizer struct {
	decision      synthesis.Decision
	err           error
	gotCandidates []storage.Document
	calls         int
}

func (f *fakeSynthesizer) Decide(ctx context.Context, userInput, agentOutput string, candidates []storage.Document) (synthesis.Decision, error) {
	f.calls++
	f.gotCandidates = candidates
	return f.decision, f.err
}

func newTestWorker(t *testing.T, synth Synthesizer, opts ...Option) (*Worker, *storage.Store, *memory.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := memory.New(db, vector.NewSQLiteIndex(db.DB()), fakeEmbedder{})
	return New(db, mem, synth, opts...), db, mem
}

func TestRunOnce_NoTasks(t *testing.T) {
	w, _, _ := newTestWorker(t, &fakeSynthesizer{})

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("done = true with empty queue, want false")
	}
}

func TestRunOnce_NewDecision(t *testing.T) {
	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore:  true,
		Action:       synthesis.ActionNew,
		Content:      "WAL mode allows concurrent readers",
		Entities:     []string{"sqlite"},
		ProblemClass: "database concurrency",
	}}
	w, db, mem := newTestWorker(t, synth)

	id, err := db.EnqueueTask("why is my db locked", "enable WAL mode")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("done = false, want true")
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskDone {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskDone)
	}
	if task.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on done task")
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("document count = %d, want 1", count)
	}
}

func TestRunOnce_NewIsIdempotent(t *testing.T) {
	content := "identical knowledge"
	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore: true,
		Action:      synthesis.ActionNew,
		Content:     content,
	}}
	w, db, mem := newTestWorker(t, synth)

	// The document already exists from a previous attempt that crashed
	// before completing the task.
	if _, err := mem.Add(context.Background(), memory.Input{Content: content}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.EnqueueTask("u", "a"); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("document count = %d, want 1 (no duplicate)", count)
	}
}

func TestRunOnce_UpdateDecision(t *testing.T) {
	w, db, mem := newTestWorker(t, nil)

	doc, err := mem.Add(context.Background(), memory.Input{Content: "old knowledge"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore: true,
		Action:      synthesis.ActionUpdate,
		TargetID:    doc.ID,
		Content:     "merged knowledge",
	}}
	w.synthesizer = synth

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := mem.Get(doc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "merged knowledge" {
		t.Errorf("Content = %q, want %q", got.Content, "merged knowledge")
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("document count = %d, want 1", count)
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskDone {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskDone)
	}
}

func TestRunOnce_UpdateMissingTargetStoresNew(t *testing.T) {
	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore: true,
		Action:      synthesis.ActionUpdate,
		TargetID:    "gone",
		Content:     "still valuable",
	}}
	w, db, mem := newTestWorker(t, synth)

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("document count = %d, want 1", count)
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskDone {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskDone)
	}
}

func TestRunOnce_KeepDecision(t *testing.T) {
	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore: true,
		Action:      synthesis.ActionKeep,
		Rationale:   "already covered",
	}}
	w, db, mem := newTestWorker(t, synth)

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("document count = %d, want 0", count)
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskDone {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskDone)
	}
}

func TestRunOnce_NoStoreDecision(t *testing.T) {
	synth := &fakeSynthesizer{decision: synthesis.Decision{
		ShouldStore: false,
		Rationale:   "small talk",
	}}
	w, db, mem := newTestWorker(t, synth)

	if _, err := db.EnqueueTask("hi", "hello"); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	count, err := mem.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("document count = %d, want 0", count)
	}
}

func TestRunOnce_CandidatesReachSynthesizer(t *testing.T) {
	synth := &fakeSynthesizer{decision: synthesis.Decision{ShouldStore: false}}
	// Threshold 0 so the single stored document always qualifies.
	w, db, mem := newTestWorker(t, synth, WithCandidateThreshold(0))

	if _, err := mem.Add(context.Background(), memory.Input{Content: "prior knowledge"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := db.EnqueueTask("related question", "related answer"); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(synth.gotCandidates) != 1 {
		t.Fatalf("synthesizer saw %d candidates, want 1", len(synth.gotCandidates))
	}
	if synth.gotCandidates[0].Content != "prior knowledge" {
		t.Errorf("candidate content = %q, want %q", synth.gotCandidates[0].Content, "prior knowledge")
	}
}

func TestRunOnce_SynthesisFailureRetries(t *testing.T) {
	synth := &fakeSynthesizer{err: errors.New("model unavailable")}
	w, db, _ := newTestWorker(t, synth)

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("done = false, want true (the task was claimed)")
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskPending {
		t.Errorf("task status = %q, want %q (retry)", task.Status, storage.TaskPending)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if !task.RunAfter.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("run_after = %v, want a backoff in the future", task.RunAfter)
	}
	if task.ErrorMsg == "" {
		t.Error("error message not recorded")
	}
}

func TestRunOnce_RetryBudgetExhausted(t *testing.T) {
	synth := &fakeSynthesizer{err: errors.New("permanently broken")}
	w, db, _ := newTestWorker(t, synth)

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// Drive the task through its whole retry budget. Failed attempts
	// push run_after into the future, so between runs we pull it back.
	for i := 0; i < 3; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
		if _, err := db.DB().Exec(`UPDATE task_queue SET run_after = ? WHERE id = ?`, past, id); err != nil {
			t.Fatalf("rewinding run_after: %v", err)
		}
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskFailed {
		t.Errorf("task status = %q, want %q", task.Status, storage.TaskFailed)
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", task.Attempts)
	}
	if task.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on failed task")
	}
	if synth.calls != 3 {
		t.Errorf("synthesizer called %d times, want 3", synth.calls)
	}
}

func TestRecover(t *testing.T) {
	w, db, _ := newTestWorker(t, &fakeSynthesizer{})

	id, err := db.EnqueueTask("u", "a")
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	// Claim the task and then pretend the process died.
	claimed, err := db.FetchPendingTask()
	if err != nil {
		t.Fatalf("FetchPendingTask: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("claimed = %v, want task %d", claimed, id)
	}

	if err := w.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	task, err := db.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != storage.TaskPending {
		t.Errorf("task status after recover = %q, want %q", task.Status, storage.TaskPending)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(t, &fakeSynthesizer{}, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestFIFOOrder(t *testing.T) {
	var seen []string
	synth := &fakeSynthesizer{decision: synthesis.Decision{ShouldStore: false}}
	w, db, _ := newTestWorker(t, synth)

	for _, input := range []string{"first", "second", "third"} {
		if _, err := db.EnqueueTask(input, "a"); err != nil {
			t.Fatalf("EnqueueTask: %v", err)
		}
	}

	recorder := &recordingSynthesizer{inner: synth, seen: &seen}
	w.synthesizer = recorder

	for i := 0; i < 3; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	want := []string{"first", "second", "third"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("processing order = %v, want %v", seen, want)
		}
	}
}

type recordingSynthesizer struct {
	inner Synthesizer
	seen  *[]string
}

func (r *recordingSynthesizer) Decide(ctx context.Context, userInput, agentOutput string, candidates []storage.Document) (synthesis.Decision, error) {
	*r.seen = append(*r.seen, userInput)
	return r.inner.Decide(ctx, userInput, agentOutput, candidates)
}
