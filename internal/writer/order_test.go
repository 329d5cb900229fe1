package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/venuelink/internal/model"
	"github.com/rickgao/venuelink/internal/router"
)

// fakeDB records batches and reports ids in conflicts as already present.
type fakeDB struct {
	mu        sync.Mutex
	batches   []int
	conflicts map[uuid.UUID]bool
	err       error
	// failures fails that many batches before err applies.
	failures int
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.Len())

	res := &fakeResults{err: f.err}
	if f.failures > 0 {
		f.failures--
		res.err = errors.New("connection reset")
	}
	for _, q := range b.QueuedQueries {
		id := q.Arguments[0].(uuid.UUID)
		if f.conflicts[id] {
			res.affected = append(res.affected, 0)
		} else {
			res.affected = append(res.affected, 1)
		}
	}
	return res
}

func (f *fakeDB) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

type fakeResults struct {
	affected []int64
	err      error
	i        int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	n := r.affected[r.i]
	r.i++
	return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", n)), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *fakePublisher) Publish(ctx context.Context, ev model.OrderEvent) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.ids = append(p.ids, ev.ClientOrderID)
	return 1, nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func event(clOrdID string) model.OrderEvent {
	ev := model.NewOrderEvent(model.SourceStream, model.SessionIDs{AccountID: "a1"}, time.Now())
	ev.ClientOrderID = clOrdID
	ev.Symbol = "BTCUSDT"
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stop(t *testing.T, w *OrderWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestOrderWriter_FlushesFullBatch(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	db := &fakeDB{}
	pub := &fakePublisher{}
	w := NewOrderWriter(WriterConfig{BatchSize: 3, FlushInterval: time.Hour}, input, db, pub, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, id := range []string{"C1", "C2", "C3"} {
		input.Send(event(id))
	}
	waitFor(t, "flush", func() bool { return w.Stats().Flushes == 1 })
	stop(t, w)

	if got := db.batchSizes(); len(got) != 1 || got[0] != 3 {
		t.Errorf("batches = %v, want [3]", got)
	}
	if got := pub.published(); len(got) != 3 || got[0] != "C1" || got[2] != "C3" {
		t.Errorf("published = %v, want [C1 C2 C3]", got)
	}
	stats := w.Stats()
	if stats.Inserts != 3 || stats.Published != 3 {
		t.Errorf("stats = %+v, want 3 inserts and 3 published", stats)
	}
}

func TestOrderWriter_ConflictsNotRepublished(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	dup := event("DUP")
	db := &fakeDB{conflicts: map[uuid.UUID]bool{dup.ID: true}}
	pub := &fakePublisher{}
	w := NewOrderWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, input, db, pub, nil)

	w.Start(context.Background())
	input.Send(event("NEW"))
	input.Send(dup)
	waitFor(t, "flush", func() bool { return w.Stats().Flushes == 1 })
	stop(t, w)

	stats := w.Stats()
	if stats.Inserts != 1 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v, want 1 insert and 1 conflict", stats)
	}
	if got := pub.published(); len(got) != 1 || got[0] != "NEW" {
		t.Errorf("published = %v, want [NEW]", got)
	}
}

func TestOrderWriter_FlushesOnInterval(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	db := &fakeDB{}
	w := NewOrderWriter(WriterConfig{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, input, db, nil, nil)

	w.Start(context.Background())
	input.Send(event("C1"))
	waitFor(t, "interval flush", func() bool { return w.Stats().Inserts == 1 })
	stop(t, w)
}

func TestOrderWriter_InsertError(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	db := &fakeDB{err: errors.New("relation does not exist")}
	pub := &fakePublisher{}
	w := NewOrderWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, input, db, pub, nil)

	w.Start(context.Background())
	input.Send(event("C1"))
	waitFor(t, "error", func() bool { return w.Stats().Errors == 1 })
	stop(t, w)

	if got := pub.published(); len(got) != 0 {
		t.Errorf("published = %v, want nothing after a failed insert", got)
	}
}

func TestOrderWriter_FailedBatchRetriedOnNextFlush(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	db := &fakeDB{failures: 1}
	pub := &fakePublisher{}
	w := NewOrderWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, input, db, pub, nil)

	w.Start(context.Background())
	input.Send(event("C1"))
	input.Send(event("C2"))
	waitFor(t, "failed flush", func() bool { return w.Stats().Errors == 1 })

	input.Send(event("C3"))
	waitFor(t, "retried flush", func() bool { return w.Stats().Flushes == 1 })
	stop(t, w)

	if got := db.batchSizes(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("batches = %v, want [2 3]", got)
	}
	if got := pub.published(); len(got) != 3 || got[0] != "C1" || got[2] != "C3" {
		t.Errorf("published = %v, want [C1 C2 C3]", got)
	}
	if stats := w.Stats(); stats.Inserts != 3 || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want 3 inserts and 0 dropped", stats)
	}
}

func TestOrderWriter_RequeueBounded(t *testing.T) {
	w := NewOrderWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour},
		router.NewGrowableBuffer[model.OrderEvent](1), &fakeDB{}, nil, nil)

	w.add(event("NEW"))
	rows := make([]model.OrderEvent, 0, maxRetainedBatches+1)
	for i := 0; i <= maxRetainedBatches; i++ {
		rows = append(rows, event(fmt.Sprintf("OLD%d", i)))
	}
	if dropped := w.requeue(rows); dropped != 2 {
		t.Errorf("requeue() dropped = %d, want 2", dropped)
	}

	if len(w.batch) != maxRetainedBatches {
		t.Fatalf("batch len = %d, want %d", len(w.batch), maxRetainedBatches)
	}
	if w.batch[0].ClientOrderID != "OLD0" {
		t.Errorf("batch[0] = %s, want OLD0", w.batch[0].ClientOrderID)
	}
	if stats := w.Stats(); stats.Errors != 1 || stats.Dropped != 2 {
		t.Errorf("stats = %+v, want 1 error and 2 dropped", stats)
	}
}

func TestOrderWriter_StopDrainsQueue(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	db := &fakeDB{}
	w := NewOrderWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, input, db, nil, nil)

	for _, id := range []string{"C1", "C2"} {
		input.Send(event(id))
	}
	stop(t, w)

	if got := db.batchSizes(); len(got) != 1 || got[0] != 2 {
		t.Errorf("batches = %v, want [2]", got)
	}
}

func TestOrderWriter_PublishOnly(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	pub := &fakePublisher{}
	w := NewOrderWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, input, nil, pub, nil)

	w.Start(context.Background())
	input.Send(event("C1"))
	waitFor(t, "publish", func() bool { return len(pub.published()) == 1 })
	stop(t, w)

	if stats := w.Stats(); stats.Inserts != 0 || stats.Published != 1 {
		t.Errorf("stats = %+v, want 0 inserts and 1 published", stats)
	}
}

func TestOrderWriter_PublishErrorsCounted(t *testing.T) {
	input := router.NewGrowableBuffer[model.OrderEvent](8)
	pub := &fakePublisher{err: errors.New("redis down")}
	w := NewOrderWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, input, &fakeDB{}, pub, nil)

	w.Start(context.Background())
	input.Send(event("C1"))
	waitFor(t, "flush", func() bool { return w.Stats().Flushes == 1 })
	stop(t, w)

	if stats := w.Stats(); stats.Inserts != 1 || stats.Published != 0 {
		t.Errorf("stats = %+v, want 1 insert and 0 published", stats)
	}
}

func TestDefaultWriterConfig(t *testing.T) {
	w := NewOrderWriter(WriterConfig{}, router.NewGrowableBuffer[model.OrderEvent](1), nil, nil, nil)
	if w.cfg != DefaultWriterConfig() {
		t.Errorf("cfg = %+v, want defaults", w.cfg)
	}
}
