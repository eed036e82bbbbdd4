package outbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// fakeSender records dispatched envelopes and fails the first failN
// attempts per tracking key.
type fakeSender struct {
	mu    sync.Mutex
	failN map[string]int
	tries map[string]int
	order []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{failN: map[string]int{}, tries: map[string]int{}}
}

func (f *fakeSender) Dispatch(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := env.TrackingKey()
	f.tries[key]++
	f.order = append(f.order, key)
	if f.tries[key] <= f.failN[key] {
		return fmt.Errorf("socket not open")
	}
	return nil
}

func (f *fakeSender) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type fakeGate struct {
	mu sync.Mutex
	ok bool
}

func (g *fakeGate) CanSendNow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ok
}

func (g *fakeGate) set(ok bool) {
	g.mu.Lock()
	g.ok = ok
	g.mu.Unlock()
}

type procFixture struct {
	q      *Queue
	p      *Processor
	sender *fakeSender
	gate   *fakeGate
	mir    *mirror.Store
	db     *store.DB
	bus    *bus.Bus
}

func testProcessor(t *testing.T) *procFixture {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	q := NewQueue(db, b, logger, time.Hour)
	t.Cleanup(q.Close)
	sender := newFakeSender()
	gate := &fakeGate{ok: true}
	mir := mirror.New(logger)
	p := NewProcessor(q, sender, gate, mir, db, b, logger, ProcessorConfig{
		BatchSize:      5,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	t.Cleanup(p.Close)
	return &procFixture{q: q, p: p, sender: sender, gate: gate, mir: mir, db: db, bus: b}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestProcessorSendsAndMarksSending(t *testing.T) {
	f := testProcessor(t)
	f.mir.AddMessage(wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1})
	if err := f.db.UpsertMessage(&wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	// Auto-wake: enqueue on an idle processor schedules a batch itself.
	f.q.Enqueue(chatEnv("m1"))

	waitFor(t, func() bool { return len(f.sender.dispatched()) == 1 })
	waitFor(t, func() bool {
		m := f.mir.Message("r1", "m1")
		return m != nil && m.Status == wire.StatusSending
	})

	if f.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", f.q.Len())
	}
}

// Given a failing transport for N < 3 attempts then success, the item
// transmits exactly once more after N failures and is never marked failed.
func TestProcessorRetriesThenSucceeds(t *testing.T) {
	f := testProcessor(t)
	f.mir.AddMessage(wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1})
	f.sender.failN["m1--chat"] = 2

	f.q.Enqueue(chatEnv("m1"))

	waitFor(t, func() bool { return len(f.sender.dispatched()) == 3 })
	time.Sleep(50 * time.Millisecond)

	if got := len(f.sender.dispatched()); got != 3 {
		t.Errorf("attempts = %d, want exactly 3 (2 failures + 1 success)", got)
	}
	m := f.mir.Message("r1", "m1")
	if m.Status == wire.StatusFailed {
		t.Error("message marked failed despite eventual success")
	}
}

// Given a failing transport for >= 3 attempts, a chat envelope results in
// message status failed.
func TestProcessorChatTerminalFailure(t *testing.T) {
	f := testProcessor(t)
	f.mir.AddMessage(wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1})
	if err := f.db.UpsertMessage(&wire.Message{ID: "m1", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	f.sender.failN["m1--chat"] = 99

	f.q.Enqueue(chatEnv("m1"))

	waitFor(t, func() bool {
		m := f.mir.Message("r1", "m1")
		return m != nil && m.Status == wire.StatusFailed
	})
	// 1 initial + 3 retries.
	if got := len(f.sender.dispatched()); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if f.q.Len() != 0 {
		t.Errorf("queue len = %d, want 0 after terminal failure", f.q.Len())
	}
}

// A failed react envelope reverts the optimistic reaction and notifies
// the user.
func TestProcessorReactTerminalFailure(t *testing.T) {
	f := testProcessor(t)
	alice := wire.Reactor{ReactorID: 1, ReactorName: "Alice"}
	// The optimistic toggle has already been applied locally.
	f.mir.AddMessage(wire.Message{
		ID: "m1", RoomID: "r1", Status: wire.StatusDelivered, CreatedAt: 1,
		Reactions: map[string][]wire.Reactor{"👍": {alice}},
	})
	f.sender.failN["m1--react"] = 99

	noticeCh, unsub := f.bus.Subscribe(bus.KindNotice, 4)
	defer unsub()

	f.q.Enqueue(wire.ReactEnvelope(wire.ReactPayload{
		ID: "m1", RoomID: "r1", Emoji: "👍", Reactor: alice,
	}))

	waitFor(t, func() bool {
		m := f.mir.Message("r1", "m1")
		return m != nil && len(m.Reactions) == 0
	})

	select {
	case evt := <-noticeCh:
		n := evt.Payload.(bus.Notice)
		if n.Severity != bus.NoticeError {
			t.Errorf("notice severity = %s, want error", n.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for failure notice")
	}
}

// Queue [A(chat), B(react), C(chat)]; A fails once then succeeds. The
// final transmission order must be A(fail), A(retry), B, C.
func TestProcessorHeadRetryPreservesOrder(t *testing.T) {
	f := testProcessor(t)
	f.mir.AddMessage(wire.Message{ID: "a", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1})
	f.mir.AddMessage(wire.Message{ID: "c", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 2})
	f.sender.failN["a--chat"] = 1

	f.q.Enqueue(chatEnv("a"))
	f.q.Enqueue(wire.ReactEnvelope(wire.ReactPayload{ID: "b", RoomID: "r1", Emoji: "👍", Reactor: wire.Reactor{ReactorID: 1}}))
	f.q.Enqueue(chatEnv("c"))

	waitFor(t, func() bool { return len(f.sender.dispatched()) == 4 })

	want := []string{"a--chat", "a--chat", "b--react", "c--chat"}
	got := f.sender.dispatched()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestProcessorNoopWhenGateClosed(t *testing.T) {
	f := testProcessor(t)
	f.gate.set(false)

	f.q.Enqueue(chatEnv("m1"))
	f.p.Start()
	time.Sleep(100 * time.Millisecond)

	if got := len(f.sender.dispatched()); got != 0 {
		t.Errorf("dispatched %d envelopes while gate closed, want 0", got)
	}
	if f.q.Len() != 1 {
		t.Errorf("queue len = %d, item must stay queued", f.q.Len())
	}
}

func TestProcessorStopsMidBatchWhenGateCloses(t *testing.T) {
	f := testProcessor(t)
	f.gate.set(false)
	for i := 0; i < 3; i++ {
		f.q.Enqueue(chatEnv(fmt.Sprintf("m%d", i)))
	}

	// Open the gate, let one batch start, then close it again right away.
	f.gate.set(true)
	f.p.Start()
	waitFor(t, func() bool { return len(f.sender.dispatched()) >= 1 })
	f.gate.set(false)
	f.p.Stop(false)
	time.Sleep(100 * time.Millisecond)

	// Remaining items must not be discarded.
	if f.q.Len() == 0 && len(f.sender.dispatched()) < 3 {
		t.Error("items discarded while gate closed mid-batch")
	}
}

// overlapSender fails the first failN attempts per key, holds each call
// open briefly, and records the peak number of concurrent Dispatch calls.
type overlapSender struct {
	mu       sync.Mutex
	failN    map[string]int
	tries    map[string]int
	inFlight int
	peak     int
	total    int
}

func (s *overlapSender) Dispatch(env wire.Envelope) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.total++
	if s.tries == nil {
		s.tries = map[string]int{}
	}
	key := env.TrackingKey()
	s.tries[key]++
	fail := s.tries[key] <= s.failN[key]
	s.mu.Unlock()

	time.Sleep(70 * time.Millisecond)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("socket not open")
	}
	return nil
}

func (s *overlapSender) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *overlapSender) maxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// A Stop during a retry backoff must invalidate the sleeping batch: after
// a reconnect restarts processing, the woken batch may not keep dispatching
// alongside the new one.
func TestProcessorStopDuringBackoffKeepsSingleBatch(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	q := NewQueue(db, b, logger, time.Hour)
	t.Cleanup(q.Close)
	sender := &overlapSender{failN: map[string]int{"a--chat": 1}}
	gate := &fakeGate{ok: true}
	mir := mirror.New(logger)
	p := NewProcessor(q, sender, gate, mir, db, b, logger, ProcessorConfig{
		BatchSize:      5,
		MaxRetries:     3,
		RetryBaseDelay: 200 * time.Millisecond,
	})
	t.Cleanup(p.Close)

	for i, id := range []string{"a", "b", "c", "d"} {
		mir.AddMessage(wire.Message{ID: id, RoomID: "r1", Status: wire.StatusPending, CreatedAt: int64(i + 1)})
		q.Enqueue(chatEnv(id))
	}

	// Let the first attempt get in flight, then simulate a connectivity
	// blip: stop, immediately reconnect and restart.
	waitFor(t, func() bool { return sender.attempts() >= 1 })
	p.Stop(false)
	p.Start()

	// All four items drain: a fails once, is re-queued, and succeeds on
	// its second attempt.
	waitFor(t, func() bool { return q.Len() == 0 && sender.attempts() >= 5 })
	time.Sleep(300 * time.Millisecond)

	if got := sender.maxConcurrent(); got != 1 {
		t.Errorf("max concurrent dispatches = %d, want 1", got)
	}
	if got := sender.attempts(); got != 5 {
		t.Errorf("attempts = %d, want 5 (a twice, b, c, d once)", got)
	}
}

func TestProcessorHydratesOnceFromStore(t *testing.T) {
	f := testProcessor(t)
	// Simulate a previous run's persisted backlog.
	if err := f.db.ReplaceQueue([]wire.Envelope{chatEnv("persisted")}); err != nil {
		t.Fatal(err)
	}
	f.mir.AddMessage(wire.Message{ID: "persisted", RoomID: "r1", Status: wire.StatusPending, CreatedAt: 1})

	f.p.Start()

	waitFor(t, func() bool { return len(f.sender.dispatched()) == 1 })
	if got := f.sender.dispatched()[0]; got != "persisted--chat" {
		t.Errorf("dispatched %s, want persisted--chat", got)
	}
}

func TestNextBatchDelayTiers(t *testing.T) {
	fast := 100 * time.Millisecond // "quick batch" adjustment applies
	cases := []struct {
		size int
		want time.Duration
	}{
		{250, 50 * time.Millisecond}, // 75 - 75, clamped to floor
		{150, 50 * time.Millisecond},
		{60, 125 * time.Millisecond},
		{20, 275 * time.Millisecond},
		{3, 425 * time.Millisecond},
	}
	for _, c := range cases {
		if got := nextBatchDelay(c.size, fast); got != c.want {
			t.Errorf("nextBatchDelay(%d) = %v, want %v", c.size, got, c.want)
		}
	}

	// A heavy batch slows the cadence down, clamped to the ceiling.
	if got := nextBatchDelay(3, time.Second); got != 650*time.Millisecond {
		t.Errorf("heavy-batch delay = %v, want 650ms", got)
	}
	if got := nextBatchDelay(3, 500*time.Millisecond); got != 500*time.Millisecond {
		t.Errorf("neutral delay = %v, want 500ms", got)
	}
}
