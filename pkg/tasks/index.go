package tasks

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

// indexedTask is the document shape Index stores per task: just enough to
// make a large graph searchable by name from outside the package, since
// record itself is unexported and the table isn't safe to hand out.
type indexedTask struct {
	Name string `json:"name"`
}

// Index is an optional full-text index of task descriptor names, a
// diagnostic supplement for inspecting large graphs — not part of the
// scheduling-critical path, and never consulted by Execute/Depends/Wait.
// Grounded on noisefs's pkg/search bleve-backed search manager: an
// in-memory index opened at construction time, documents added as they're
// indexed, torn down on Close.
type Index struct {
	mu  sync.Mutex
	idx bleve.Index
	log *obs.Logger
}

// NewIndex opens an in-memory bleve index over task names.
func NewIndex() (*Index, error) {
	m := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("tasks: opening diagnostic index: %w", err)
	}
	return &Index{idx: idx, log: obs.Default().WithComponent("tasks.index")}, nil
}

// Index adds or replaces h's entry, keyed by its string form.
func (ix *Index) Index(h Handle, name string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.idx.Index(h.String(), indexedTask{Name: name}); err != nil {
		ix.log.Warnf("indexing task %s: %v", h, err)
	}
}

// Delete removes h's entry, called once a task is freed so the index
// doesn't outlive the task it describes.
func (ix *Index) Delete(h Handle) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.idx.Delete(h.String()); err != nil {
		ix.log.Warnf("deleting task %s from index: %v", h, err)
	}
}

// Search runs query against every indexed task name and returns the
// matching handles' string forms in relevance order.
func (ix *Index) Search(query string) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	res, err := ix.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("tasks: searching diagnostic index: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, hit.ID)
	}
	return out, nil
}

// Close releases the index's resources.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.idx.Close()
}

// EnableIndex builds a diagnostic Index and starts mirroring every task
// the Scheduler creates or frees into it. It is opt-in: a Scheduler with
// no Index built never touches bleve at all, keeping the scheduling-
// critical path free of it.
func (s *Scheduler) EnableIndex() error {
	idx, err := NewIndex()
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	s.index = idx
	s.stateMu.Unlock()
	return nil
}

// Find runs a diagnostic full-text search over task descriptor names.
// Returns ErrIndexDisabled if EnableIndex was never called.
func (s *Scheduler) Find(query string) ([]string, error) {
	s.stateMu.RLock()
	idx := s.index
	s.stateMu.RUnlock()
	if idx == nil {
		return nil, ErrIndexDisabled
	}
	return idx.Search(query)
}
