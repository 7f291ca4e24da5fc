package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/synthesis"
)

const (
	defaultPollInterval       = 500 * time.Millisecond
	defaultCandidateThreshold = 0.7
	defaultCandidateTopK      = 3

	// agentOutputProbeLimit bounds how much of the agent's reply goes
	// into the candidate search probe; long replies drown the signal.
	agentOutputProbeLimit = 200
)

// TaskQueue abstracts the durable task queue operations the worker needs.
type TaskQueue interface {
	FetchPendingTask() (*storage.Task, error)
	CompleteTask(id int64) error
	FailTask(id int64, reason string) error
	RecoverStaleTasks() (int, error)
}

// MemoryWriter is the slice of the memory facade the worker uses.
type MemoryWriter interface {
	FindSimilar(ctx context.Context, text string, threshold float32, topK int) ([]memory.Result, error)
	Add(ctx context.Context, in memory.Input) (storage.Document, error)
	Update(ctx context.Context, id, content string, entities []string, problemClass string) (storage.Document, error)
	FindByContent(content string) (string, error)
}

// Synthesizer decides whether and how to store the knowledge from a turn.
type Synthesizer interface {
	Decide(ctx context.Context, userInput, agentOutput string, candidates []storage.Document) (synthesis.Decision, error)
}

// Worker drains the learning task queue: for each turn it gathers
// similar stored knowledge, asks the synthesizer for a decision, and
// applies it to the memory store.
type Worker struct {
	queue       TaskQueue
	mem         MemoryWriter
	synthesizer Synthesizer

	poll      time.Duration
	threshold float32
	topK      int
	logger    *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval sets the idle sleep between queue polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithCandidateThreshold sets the minimum similarity for a stored
// document to be offered to the synthesizer as an update candidate.
func WithCandidateThreshold(t float32) Option {
	return func(w *Worker) { w.threshold = t }
}

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Worker with the given dependencies.
func New(queue TaskQueue, mem MemoryWriter, synthesizer Synthesizer, opts ...Option) *Worker {
	w := &Worker{
		queue:       queue,
		mem:         mem,
		synthesizer: synthesizer,
		poll:        defaultPollInterval,
		threshold:   defaultCandidateThreshold,
		topK:        defaultCandidateTopK,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Recover re-queues tasks left in processing state by a previous unclean
// shutdown. Call once before Run.
func (w *Worker) Recover() error {
	n, err := w.queue.RecoverStaleTasks()
	if err != nil {
		return fmt.Errorf("recovering stale tasks: %w", err)
	}
	if n > 0 {
		w.logger.Info("recovered stale tasks", "count", n)
	}
	return nil
}

// Run polls for tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single task.
// Returns true if a task was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.FetchPendingTask()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	if err := w.processTask(ctx, task); err != nil {
		w.logger.Warn("task failed", "task_id", task.ID, "error", err)
		if failErr := w.queue.FailTask(task.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteTask(task.ID); err != nil {
		return true, fmt.Errorf("completing task %d: %w", task.ID, err)
	}
	return true, nil
}

func (w *Worker) processTask(ctx context.Context, task *storage.Task) error {
	probe := candidateProbe(task.UserInput, task.AgentOutput)

	similar, err := w.mem.FindSimilar(ctx, probe, w.threshold, w.topK)
	if err != nil {
		return fmt.Errorf("searching candidates: %w", err)
	}
	candidates := make([]storage.Document, len(similar))
	for i, r := range similar {
		candidates[i] = r.Document
	}

	decision, err := w.synthesizer.Decide(ctx, task.UserInput, task.AgentOutput, candidates)
	if err != nil {
		return fmt.Errorf("synthesis decision: %w", err)
	}

	return w.apply(ctx, task, decision)
}

func (w *Worker) apply(ctx context.Context, task *storage.Task, d synthesis.Decision) error {
	if !d.ShouldStore || d.Action == synthesis.ActionKeep {
		w.logger.Debug("nothing to store", "task_id", task.ID, "action", d.Action, "rationale", d.Rationale)
		return nil
	}

	switch d.Action {
	case synthesis.ActionNew:
		// A retried task may have stored this document on an earlier
		// attempt that crashed before completing; exact content match
		// means the work is already done.
		if id, err := w.mem.FindByContent(d.Content); err == nil {
			w.logger.Debug("document already stored", "task_id", task.ID, "doc_id", id)
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("checking for existing document: %w", err)
		}

		doc, err := w.mem.Add(ctx, memory.Input{
			Content:      d.Content,
			Entities:     d.Entities,
			ProblemClass: d.ProblemClass,
		})
		if err != nil {
			return fmt.Errorf("storing new document: %w", err)
		}
		w.logger.Info("stored new knowledge", "task_id", task.ID, "doc_id", doc.ID, "problem_class", doc.ProblemClass)
		return nil

	case synthesis.ActionUpdate:
		_, err := w.mem.Update(ctx, d.TargetID, d.Content, d.Entities, d.ProblemClass)
		if errors.Is(err, storage.ErrNotFound) {
			// The target vanished between candidate search and now;
			// the knowledge is still worth keeping, so degrade to NEW.
			w.logger.Warn("update target missing, storing as new", "task_id", task.ID, "target_id", d.TargetID)
			doc, addErr := w.mem.Add(ctx, memory.Input{
				Content:      d.Content,
				Entities:     d.Entities,
				ProblemClass: d.ProblemClass,
			})
			if addErr != nil {
				return fmt.Errorf("storing fallback document: %w", addErr)
			}
			w.logger.Info("stored new knowledge", "task_id", task.ID, "doc_id", doc.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("updating document %s: %w", d.TargetID, err)
		}
		w.logger.Info("updated knowledge", "task_id", task.ID, "doc_id", d.TargetID)
		return nil

	default:
		return fmt.Errorf("unknown synthesis action %q", d.Action)
	}
}

// candidateProbe builds the text used to search for update candidates:
// the full user input plus a bounded prefix of the agent's reply.
func candidateProbe(userInput, agentOutput string) string {
	if len(agentOutput) > agentOutputProbeLimit {
		agentOutput = agentOutput[:agentOutputProbeLimit]
	}
	return strings.TrimSpace(userInput + "\n" + agentOutput)
}
