package spaces

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
	"github.com/kalambet/engram/internal/worker"
)

// DefaultSpace is the shared memory space used when no session is named.
const DefaultSpace = "default"

var spaceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Space bundles everything one isolated memory space owns: its database,
// the memory facade over it, and the consolidation worker draining its
// queue.
type Space struct {
	Name   string
	Store  *storage.Store
	Memory *memory.Store
	Worker *worker.Worker
}

// Factory builds the memory facade and worker for a freshly opened
// space database. The registry owns the worker's lifecycle.
type Factory func(store *storage.Store) (*memory.Store, *worker.Worker)

// Registry lazily opens one database file per memory space. The default
// space lives in engram.db; a named space lives in engram_<name>.db in
// the same data directory. Each space gets its own queue and worker so
// sessions never see each other's knowledge.
type Registry struct {
	dataDir string
	factory Factory

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	spaces map[string]*Space
	wg     sync.WaitGroup
}

// NewRegistry creates a registry rooted at dataDir. Workers of opened
// spaces run until Close is called or ctx is cancelled.
func NewRegistry(ctx context.Context, dataDir string, factory Factory) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		dataDir: dataDir,
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		spaces:  make(map[string]*Space),
	}
}

// Get returns the named space, opening it on first use. An empty name
// selects the default shared space.
func (r *Registry) Get(name string) (*Space, error) {
	if name == "" {
		name = DefaultSpace
	}
	if !spaceNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid space name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sp, ok := r.spaces[name]; ok {
		return sp, nil
	}

	store, err := storage.OpenFile(r.dataDir, fileName(name))
	if err != nil {
		return nil, fmt.Errorf("opening space %s: %w", name, err)
	}

	mem, w := r.factory(store)
	sp := &Space{Name: name, Store: store, Memory: mem, Worker: w}

	if w != nil {
		if err := w.Recover(); err != nil {
			store.Close()
			return nil, fmt.Errorf("recovering space %s: %w", name, err)
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.Run(r.ctx)
		}()
	}

	r.spaces[name] = sp
	return sp, nil
}

// Names returns the names of all currently open spaces.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.spaces))
	for name := range r.spaces {
		names = append(names, name)
	}
	return names
}

// Close stops all workers, waits for them, and closes every open
// database. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, sp := range r.spaces {
		if err := sp.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing space %s: %w", name, err)
		}
		delete(r.spaces, name)
	}
	return firstErr
}

func fileName(space string) string {
	if space == DefaultSpace {
		return "engram.db"
	}
	return "engram_" + space + ".db"
}
