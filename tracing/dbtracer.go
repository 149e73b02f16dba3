package tracing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/mem/vm/fault"
)

// FaultTable is the table a DBTracer writes into.
const FaultTable = "faults"

// FaultRecord is one row of the fault table.
type FaultRecord struct {
	ID         string
	PID        int
	FaultVA    uint32
	RefVA      uint32
	Access     string
	Mode       string
	Depth      int
	PtepFault  bool
	Remote     bool
	Path       string
	Resolved   bool
	Error      string
	StartNS    int64
	DurationNS int64
}

// DBTracer stores the faults it observes into a data recorder.
type DBTracer struct {
	mu       sync.Mutex
	backend  datarecording.DataRecorder
	log      logrus.FieldLogger
	now      func() time.Time
	tracing  bool
	inflight map[string]time.Time
	written  int
}

// NewDBTracer creates a DBTracer and the fault table it writes into.
func NewDBTracer(
	backend datarecording.DataRecorder,
	log logrus.FieldLogger,
) (*DBTracer, error) {
	err := backend.CreateTable(FaultTable, FaultRecord{})
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	return &DBTracer{
		backend:  backend,
		log:      log,
		now:      time.Now,
		tracing:  true,
		inflight: make(map[string]time.Time),
	}, nil
}

// IsTracing tells whether faults are being recorded.
func (t *DBTracer) IsTracing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tracing
}

// EnableTracing resumes recording.
func (t *DBTracer) EnableTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracing = true
}

// StopTracing pauses recording and flushes what was recorded.
func (t *DBTracer) StopTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracing = false
	t.inflight = make(map[string]time.Time)

	if err := t.backend.Flush(); err != nil {
		t.log.WithError(err).Error("flushing fault records")
	}
}

// Written returns the number of records handed to the backend.
func (t *DBTracer) Written() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.written
}

// StartFault remembers when the fault started.
func (t *DBTracer) StartFault(ctx *fault.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracing {
		return
	}

	t.inflight[ctx.ID] = t.now()
}

// EndFault writes the record of the fault.
func (t *DBTracer) EndFault(ctx *fault.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.inflight[ctx.ID]
	if !ok {
		return
	}

	delete(t.inflight, ctx.ID)

	rec := FaultRecord{
		ID:         ctx.ID,
		PID:        int(ctx.PID()),
		FaultVA:    ctx.FaultVA,
		RefVA:      ctx.RefVA,
		Access:     ctx.Trap.Access.String(),
		Mode:       ctx.Trap.Mode.String(),
		Depth:      ctx.Trap.Depth,
		PtepFault:  ctx.PtepFault,
		Remote:     ctx.RemoteFault,
		Path:       ctx.Path.String(),
		Resolved:   ctx.IsResolved(),
		StartNS:    start.UnixNano(),
		DurationNS: int64(t.now().Sub(start)),
	}

	if ctx.Err != nil {
		rec.Error = ctx.Err.Error()
	}

	if err := t.backend.InsertData(FaultTable, rec); err != nil {
		t.log.WithError(err).Error("recording fault")
		return
	}

	t.written++
}
