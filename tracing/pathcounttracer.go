package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/vmcore/mem/vm/fault"
)

// PathCount is how often faults took one resolution path.
type PathCount struct {
	Path     string `json:"path"`
	Resolved uint64 `json:"resolved"`
	Failed   uint64 `json:"failed"`
}

// PathCountTracer counts the faults per resolution path and outcome.
type PathCountTracer struct {
	filter FaultFilter

	lock     sync.Mutex
	inflight map[string]struct{}
	resolved map[fault.Path]uint64
	failed   map[fault.Path]uint64
}

// NewPathCountTracer creates a new PathCountTracer.
func NewPathCountTracer(filter FaultFilter) *PathCountTracer {
	if filter == nil {
		filter = AllFaults
	}

	return &PathCountTracer{
		filter:   filter,
		inflight: make(map[string]struct{}),
		resolved: make(map[fault.Path]uint64),
		failed:   make(map[fault.Path]uint64),
	}
}

// StartFault remembers the faults that pass the filter.
func (t *PathCountTracer) StartFault(ctx *fault.Info) {
	if !t.filter(ctx) {
		return
	}

	t.lock.Lock()
	t.inflight[ctx.ID] = struct{}{}
	t.lock.Unlock()
}

// EndFault counts the outcome.
func (t *PathCountTracer) EndFault(ctx *fault.Info) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.inflight[ctx.ID]; !ok {
		return
	}

	delete(t.inflight, ctx.ID)

	if ctx.IsResolved() {
		t.resolved[ctx.Path]++
	} else {
		t.failed[ctx.Path]++
	}
}

// Resolved returns the number of faults resolved through a path.
func (t *PathCountTracer) Resolved(p fault.Path) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.resolved[p]
}

// Failed returns the number of faults that failed on a path.
func (t *PathCountTracer) Failed(p fault.Path) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.failed[p]
}

// Totals returns the number of resolved and failed faults.
func (t *PathCountTracer) Totals() (resolved, failed uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, n := range t.resolved {
		resolved += n
	}

	for _, n := range t.failed {
		failed += n
	}

	return resolved, failed
}

// Counts lists the paths seen so far, ordered by path.
func (t *PathCountTracer) Counts() []PathCount {
	t.lock.Lock()
	defer t.lock.Unlock()

	paths := make(map[fault.Path]struct{})
	for p := range t.resolved {
		paths[p] = struct{}{}
	}

	for p := range t.failed {
		paths[p] = struct{}{}
	}

	ordered := make([]fault.Path, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	counts := make([]PathCount, 0, len(ordered))
	for _, p := range ordered {
		counts = append(counts, PathCount{
			Path:     p.String(),
			Resolved: t.resolved[p],
			Failed:   t.failed[p],
		})
	}

	return counts
}
