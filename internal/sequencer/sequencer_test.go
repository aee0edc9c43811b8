package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/broadcast"
	"github.com/opsdeck/opsdeck/internal/db"
	"github.com/opsdeck/opsdeck/internal/models"
)

// fakeClock is a manually advanced clock. Sleep returns immediately so
// branch runs complete without real delays.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memorySink records published messages in order.
type memorySink struct {
	mu       sync.Mutex
	messages []broadcast.Message
	next     int

	// failKind makes publishes of that kind fail.
	failKind models.ActionKind
}

func (s *memorySink) Publish(_ context.Context, msg broadcast.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKind != "" && msg.Kind == s.failKind {
		return "", fmt.Errorf("broker unavailable")
	}
	s.next++
	s.messages = append(s.messages, msg)
	return fmt.Sprintf("bcast-%d", s.next), nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memorySink) kinds() []models.ActionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]models.ActionKind, len(s.messages))
	for i, msg := range s.messages {
		kinds[i] = msg.Kind
	}
	return kinds
}

// fakeOracle tracks expected recipients per broadcast and serves canned
// ack counts and the freeze flag.
type fakeOracle struct {
	mu         sync.Mutex
	acks       map[string]int
	recipients map[string]int
	forgotten  []string
	frozen     bool

	// autoAcks makes every broadcast appear instantly acknowledged
	// by that many agents.
	autoAcks int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		acks:       make(map[string]int),
		recipients: make(map[string]int),
	}
}

func (o *fakeOracle) Forget(broadcastID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.acks, broadcastID)
	delete(o.recipients, broadcastID)
	o.forgotten = append(o.forgotten, broadcastID)
}

func (o *fakeOracle) forgotCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.forgotten)
}

func (o *fakeOracle) RegisterBroadcast(broadcastID string, recipientCount int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recipients[broadcastID] = recipientCount
}

func (o *fakeOracle) AckStatus(broadcastID string) (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	count := o.acks[broadcastID]
	if o.autoAcks > count {
		count = o.autoAcks
	}
	return count, o.recipients[broadcastID]
}

func (o *fakeOracle) IsFrozen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frozen
}

func (o *fakeOracle) recordAck(broadcastID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acks[broadcastID]++
}

func (o *fakeOracle) setFrozen(frozen bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frozen = frozen
}

type testEngine struct {
	service *Service
	clock   *fakeClock
	sink    *memorySink
	oracle  *fakeOracle
	db      *db.DB
}

func setupTestEngine(t *testing.T) (*testEngine, func()) {
	t.Helper()

	testDB, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := testDB.Migrate(context.Background()); err != nil {
		testDB.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	clock := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &memorySink{}
	oracle := newFakeOracle()

	executor := NewExecutor(sink, oracle)
	evaluator := NewEvaluator(oracle, executor, clock)
	service := NewService(
		db.NewSequenceRepository(testDB),
		db.NewExecutionRepository(testDB),
		db.NewEventRepository(testDB),
		executor,
		evaluator,
		clock,
	)

	engine := &testEngine{
		service: service,
		clock:   clock,
		sink:    sink,
		oracle:  oracle,
		db:      testDB,
	}
	return engine, func() { testDB.Close() }
}

// createSequence persists a draft built from the given steps.
func (e *testEngine) createSequence(t *testing.T, steps ...models.Step) *models.Sequence {
	t.Helper()

	seq := &models.Sequence{
		Name:      "test sequence",
		CreatedBy: "white-cell",
		Steps:     steps,
	}
	created, err := e.service.CreateSequence(context.Background(), seq)
	if err != nil {
		t.Fatalf("create sequence: %v", err)
	}
	return created
}

func step(kind models.ActionKind, delay time.Duration) models.Step {
	return models.Step{
		Kind:    kind,
		DelayMs: delay.Milliseconds(),
		Payload: json.RawMessage(`{"note":"test"}`),
	}
}
