package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sendqueue/internal/connectivity"
	apperrors "sendqueue/internal/errors"
	"sendqueue/internal/metrics"
	"sendqueue/internal/models"
	"sendqueue/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg models.QueuedMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// sentIDs lists the ids passed to Send in call order.
func (m *mockSender) sentIDs() []string {
	var ids []string
	for _, call := range m.Calls {
		if call.Method == "Send" {
			ids = append(ids, call.Arguments.Get(1).(models.QueuedMessage).ID)
		}
	}
	return ids
}

func withID(id string) interface{} {
	return mock.MatchedBy(func(msg models.QueuedMessage) bool { return msg.ID == id })
}

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

type fixture struct {
	queue    *Queue
	store    *storage.MemoryStore
	sender   *mockSender
	sw       *connectivity.Switch
	registry *metrics.Registry
}

func newFixture(t *testing.T, online bool, opts ...Option) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var seq atomic.Int64
	f := &fixture{
		store:    storage.NewMemoryStore(),
		sender:   &mockSender{},
		sw:       connectivity.NewSwitch(online),
		registry: metrics.NewRegistry(),
	}
	base := []Option{
		WithDrainDelay(0),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("msg-%d", seq.Add(1)) }),
		WithMetrics(f.registry),
	}
	f.queue = New(f.store, f.sender, f.sw, logger, append(base, opts...)...)
	return f
}

// run starts the queue loop and stops it when the test ends.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func draft(chat, text string) models.Draft {
	return models.Draft{ChatTarget: chat, Text: text}
}

func ids(entries []models.QueuedMessage) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func waitForStatus(t *testing.T, q *Queue, id string, status models.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, ok := q.Get(id)
		return ok && msg.Status == status
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueue_OfflineKeepsEntriesPendingInOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.queue.Enqueue(ctx, draft("7", fmt.Sprintf("m%d", i)))
	}

	entries := f.queue.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3"}, ids(entries))
	for i, e := range entries {
		assert.Equal(t, models.StatusPending, e.Status)
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Text)
		assert.Equal(t, testNow, e.CreatedAt)
		assert.Empty(t, e.Error)
	}

	assert.Equal(t, entries, f.store.Snapshot())
	assert.True(t, f.queue.HasPending())
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestEnqueue_ReturnsEntry(t *testing.T) {
	f := newFixture(t, false)

	msg := f.queue.Enqueue(context.Background(), models.Draft{ChatTarget: "7", Photo: "data:image/png;base64,AA", Position: "52.5,13.4"})

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Equal(t, "52.5,13.4", msg.Position)
	got, ok := f.queue.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, msg, got)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Counters["queue_enqueued_total"].Value)
	assert.Equal(t, 1.0, snap.Gauges["queue_depth"].Value)
}

func TestEnqueue_UsesUniqueIDsByDefault(t *testing.T) {
	q := New(storage.NewMemoryStore(), &mockSender{}, connectivity.NewSwitch(false), nil, WithMetrics(metrics.NewRegistry()))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		msg := q.Enqueue(context.Background(), draft("1", "x"))
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestRun_OnlineTransitionDrainsInInsertionOrder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.queue.Enqueue(ctx, draft("7", fmt.Sprintf("m%d", i)))
	}
	f.sender.On("Send", mock.Anything, mock.Anything).Return(nil)
	f.run(t)

	f.sw.Set(true)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3", "msg-4"}, f.sender.sentIDs())
	assert.Nil(t, f.store.Snapshot())
}

func TestRun_DrainsAtStartWhenOnline(t *testing.T) {
	f := newFixture(t, false)
	f.queue.Enqueue(context.Background(), draft("7", "left over"))

	f.sw.Set(true)
	f.sender.On("Send", mock.Anything, withID("msg-1")).Return(nil).Once()
	f.run(t)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	f.sender.AssertExpectations(t)
}

func TestAttemptSend_SuccessRemovesOnlyThatEntry(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.queue.Enqueue(ctx, draft("7", "x"))
	}
	f.sender.On("Send", mock.Anything, withID("msg-2")).Return(nil).Once()

	require.NoError(t, f.queue.Retry(ctx, "msg-2"))

	assert.Equal(t, 2, f.queue.Len())
	assert.Equal(t, []string{"msg-1", "msg-3"}, ids(f.queue.Snapshot()))
	assert.Equal(t, []string{"msg-1", "msg-3"}, ids(f.store.Snapshot()))
	f.sender.AssertExpectations(t)
}

func TestAttemptSend_FailureMarksError(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.queue.Enqueue(ctx, draft("7", "b"))

	f.sender.On("Send", mock.Anything, withID("msg-1")).
		Return(apperrors.NewBackendError("postmessage", 500, "internal")).Once()

	require.NoError(t, f.queue.Retry(ctx, "msg-1"))

	assert.Equal(t, 2, f.queue.Len())
	msg, ok := f.queue.Get("msg-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusError, msg.Status)
	assert.Equal(t, "API postmessage failed: 500 - internal", msg.Error)

	stored := f.store.Snapshot()
	assert.Equal(t, models.StatusError, stored[0].Status)
	assert.Equal(t, msg.Error, stored[0].Error)

	other, _ := f.queue.Get("msg-2")
	assert.Equal(t, models.StatusPending, other.Status)

	snap := f.registry.Snapshot()
	assert.Equal(t, 1.0, snap.Counters["queue_send_attempts_total_result:error"].Value)
}

func TestAttemptSend_PlainErrorText(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	require.NoError(t, f.queue.Retry(ctx, "msg-1"))

	msg, _ := f.queue.Get("msg-1")
	assert.Equal(t, "connection refused", msg.Error)
}

func TestAttemptSend_EmptyErrorTextStillRecorded(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("")).Once()

	require.NoError(t, f.queue.Retry(ctx, "msg-1"))

	msg, _ := f.queue.Get("msg-1")
	assert.Equal(t, models.StatusError, msg.Status)
	assert.NotEmpty(t, msg.Error)
}

func TestRetry_OnlyResendsThatEntry(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.queue.Enqueue(ctx, draft("7", "x"))
	}
	boom := errors.New("timeout")
	f.sender.On("Send", mock.Anything, mock.Anything).Return(boom).Times(3)
	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		require.NoError(t, f.queue.Retry(ctx, id))
	}
	before := f.queue.Snapshot()

	f.sender.On("Send", mock.Anything, withID("msg-2")).Return(nil).Once()

	require.NoError(t, f.queue.Retry(ctx, "msg-2"))

	assert.Equal(t, []string{"msg-1", "msg-2", "msg-3", "msg-2"}, f.sender.sentIDs())
	after := f.queue.Snapshot()
	assert.Equal(t, []models.QueuedMessage{before[0], before[2]}, after)
}

func TestRetry_UnknownID(t *testing.T) {
	f := newFixture(t, false)

	err := f.queue.Retry(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInFlight)
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

// blockingSend makes the sender wait for release before returning result.
func blockingSend(f *fixture, id string, result error) (started <-chan struct{}, release func()) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	f.sender.On("Send", mock.Anything, withID(id)).Run(func(mock.Arguments) {
		close(startedCh)
		<-releaseCh
	}).Return(result).Once()
	return startedCh, func() { close(releaseCh) }
}

func TestRetry_InFlight(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "x"))

	started, release := blockingSend(f, "msg-1", nil)
	done := make(chan error, 1)
	go func() { done <- f.queue.Retry(ctx, "msg-1") }()
	<-started

	msg, _ := f.queue.Get("msg-1")
	assert.Equal(t, models.StatusSending, msg.Status)
	assert.Equal(t, models.StatusSending, f.store.Snapshot()[0].Status)
	assert.True(t, f.queue.HasPending())

	err := f.queue.Retry(ctx, "msg-1")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, 409, apperrors.HTTPStatusCode(err))

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.queue.Len())
	f.sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestDiscard_RemovesAnyStatus(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "pending"))
	f.queue.Enqueue(ctx, draft("7", "failed"))
	f.sender.On("Send", mock.Anything, withID("msg-2")).Return(errors.New("x")).Once()
	require.NoError(t, f.queue.Retry(ctx, "msg-2"))

	assert.True(t, f.queue.Discard(ctx, "msg-2"))
	assert.True(t, f.queue.Discard(ctx, "msg-1"))
	assert.False(t, f.queue.Discard(ctx, "msg-1"))

	assert.Equal(t, 0, f.queue.Len())
	assert.Nil(t, f.store.Snapshot())
}

func TestDiscard_DuringSendDropsCompletion(t *testing.T) {
	for _, result := range []error{nil, errors.New("500")} {
		t.Run(fmt.Sprintf("result=%v", result), func(t *testing.T) {
			f := newFixture(t, false)
			ctx := context.Background()
			f.queue.Enqueue(ctx, draft("7", "x"))
			f.queue.Enqueue(ctx, draft("7", "y"))

			started, release := blockingSend(f, "msg-1", result)
			done := make(chan error, 1)
			go func() { done <- f.queue.Retry(ctx, "msg-1") }()
			<-started

			assert.True(t, f.queue.Discard(ctx, "msg-1"))
			assert.Equal(t, []string{"msg-2"}, ids(f.queue.Snapshot()))

			release()
			require.NoError(t, <-done)

			assert.Equal(t, []string{"msg-2"}, ids(f.queue.Snapshot()))
			assert.Equal(t, []string{"msg-2"}, ids(f.store.Snapshot()))
		})
	}
}

func TestLoad_RoundTripsThroughStore(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, models.Draft{ChatTarget: "7", Text: "hi"})
	f.queue.Enqueue(ctx, models.Draft{ChatTarget: "8", Photo: "img", Position: "1,2"})
	f.queue.Enqueue(ctx, models.Draft{ChatTarget: "9", Text: "third"})
	f.sender.On("Send", mock.Anything, withID("msg-2")).Return(errors.New("rejected")).Once()
	require.NoError(t, f.queue.Retry(ctx, "msg-2"))
	before := f.queue.Snapshot()

	restarted := New(f.store, f.sender, connectivity.NewSwitch(false), nil, WithMetrics(metrics.NewRegistry()))
	require.NoError(t, restarted.Load(ctx))

	assert.Equal(t, before, restarted.Snapshot())
}

func TestLoad_InterruptedSendBecomesPending(t *testing.T) {
	store := storage.NewMemoryStore(
		models.QueuedMessage{ID: "a", ChatTarget: "7", Text: "x", CreatedAt: testNow, Status: models.StatusSending},
		models.QueuedMessage{ID: "b", ChatTarget: "7", Text: "y", CreatedAt: testNow, Status: models.StatusError, Error: "boom"},
	)
	q := New(store, &mockSender{}, connectivity.NewSwitch(false), nil, WithMetrics(metrics.NewRegistry()))

	require.NoError(t, q.Load(context.Background()))

	entries := q.Snapshot()
	assert.Equal(t, models.StatusPending, entries[0].Status)
	assert.Equal(t, models.StatusError, entries[1].Status)
	assert.Equal(t, "boom", entries[1].Error)
	assert.Equal(t, models.StatusPending, store.Snapshot()[0].Status)
}

func TestLoad_StoreFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	store.FailWith(errors.New("corrupt"))
	registry := metrics.NewRegistry()
	q := New(store, &mockSender{}, connectivity.NewSwitch(false), nil, WithMetrics(registry))

	err := q.Load(context.Background())
	assert.Equal(t, apperrors.ErrCodeStorage, apperrors.GetCode(err))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, registry.Snapshot().Counters["queue_persist_failures_total_operation:load"].Value)
}

func TestPersistenceFailureKeepsQueueWorking(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.store.FailWith(errors.New("disk full"))

	msg := f.queue.Enqueue(ctx, draft("7", "x"))
	assert.Equal(t, 1, f.queue.Len())

	f.sender.On("Send", mock.Anything, withID(msg.ID)).Return(nil).Once()
	require.NoError(t, f.queue.Retry(ctx, msg.ID))
	assert.Equal(t, 0, f.queue.Len())

	counters := f.registry.Snapshot().Counters
	assert.Equal(t, 1.0, counters["queue_persist_failures_total_operation:enqueue"].Value)
	assert.Equal(t, 1.0, counters["queue_persist_failures_total_operation:complete_send"].Value)
}

func TestDrainPending_StopsWhenOffline(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.queue.Enqueue(ctx, draft("7", "x"))
	}
	f.sender.On("Send", mock.Anything, withID("msg-1")).Run(func(mock.Arguments) {
		f.sw.Set(false)
	}).Return(nil).Once()

	f.queue.DrainPending(ctx)

	assert.Equal(t, []string{"msg-1"}, f.sender.sentIDs())
	assert.Equal(t, []string{"msg-2", "msg-3"}, ids(f.queue.Snapshot()))
}

func TestDrainPending_PausesBetweenAttempts(t *testing.T) {
	f := newFixture(t, true, WithDrainDelay(40*time.Millisecond))
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.queue.Enqueue(ctx, draft("7", "b"))

	var mu sync.Mutex
	var at []time.Time
	f.sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
	}).Return(nil)

	f.queue.DrainPending(ctx)

	require.Len(t, at, 2)
	assert.GreaterOrEqual(t, at[1].Sub(at[0]), 40*time.Millisecond)
}

func TestDrainPending_CancelledDuringPause(t *testing.T) {
	f := newFixture(t, true, WithDrainDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.queue.Enqueue(ctx, draft("7", "b"))
	f.sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil)

	done := make(chan struct{})
	go func() {
		f.queue.DrainPending(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not stop on cancellation")
	}
	assert.Equal(t, []string{"msg-2"}, ids(f.queue.Snapshot()))
}

func TestDrainPending_EnqueueDuringDrainIsPickedUpNext(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "first"))

	var once sync.Once
	f.sender.On("Send", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		once.Do(func() { f.queue.Enqueue(ctx, draft("7", "late")) })
	}).Return(nil)
	f.run(t)

	f.sw.Set(true)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"msg-1", "msg-2"}, f.sender.sentIDs())
}

func TestDrainPending_IncludesErrorEntries(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.queue.Enqueue(ctx, draft("7", "a"))
	f.sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("down")).Once()
	f.queue.DrainPending(ctx)
	waitForStatus(t, f.queue, "msg-1", models.StatusError)
	assert.False(t, f.queue.HasPending())

	f.sender.On("Send", mock.Anything, mock.Anything).Return(nil).Once()
	f.queue.DrainPending(ctx)

	assert.Equal(t, 0, f.queue.Len())
	f.sender.AssertNumberOfCalls(t, "Send", 2)
}

func TestSubscribe_ReceivesLatestState(t *testing.T) {
	f := newFixture(t, false)
	updates, cancel := f.queue.Subscribe()

	f.queue.Enqueue(context.Background(), draft("7", "a"))
	f.queue.Enqueue(context.Background(), draft("7", "b"))

	select {
	case state := <-updates:
		assert.False(t, state.Online)
		assert.True(t, state.HasPending)
		assert.Equal(t, []string{"msg-1", "msg-2"}, ids(state.Entries))
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}

	cancel()
	cancel()
	f.queue.Enqueue(context.Background(), draft("7", "c"))
	select {
	case <-updates:
		t.Fatal("state published after unsubscribe")
	default:
	}
}

func TestSubscribe_LastStateMatchesQueueUnderConcurrentEnqueue(t *testing.T) {
	f := newFixture(t, false)
	updates, cancel := f.queue.Subscribe()
	defer cancel()

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.queue.Enqueue(context.Background(), draft("7", "concurrent"))
			}()
		}
		wg.Wait()

		var last State
		select {
		case last = <-updates:
		case <-time.After(time.Second):
			t.Fatal("no state published")
		}
		require.Len(t, last.Entries, f.queue.Len(), "round %d", round)
	}
}

func TestState_EmptyQueue(t *testing.T) {
	f := newFixture(t, true)

	state := f.queue.State()
	assert.True(t, state.Online)
	assert.False(t, state.HasPending)
	assert.NotNil(t, state.Entries)
	assert.Empty(t, state.Entries)
	assert.True(t, f.queue.IsOnline())
}

// Enqueue "hi" for chat 7 offline, come back online, the backend accepts it.
func TestScenario_OfflineThenOnlineDelivers(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.queue.Enqueue(ctx, draft("7", "hi"))
	assert.Equal(t, []models.Status{models.StatusPending}, []models.Status{f.queue.Snapshot()[0].Status})

	f.sender.On("Send", mock.Anything, mock.MatchedBy(func(msg models.QueuedMessage) bool {
		return msg.ID == a.ID && msg.ChatTarget == "7" && msg.Text == "hi"
	})).Return(nil).Once()
	f.run(t)

	f.sw.Set(true)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	f.sender.AssertExpectations(t)
	assert.Nil(t, f.store.Snapshot())
}

// Enqueue online, the backend fails with 500, a manual retry succeeds.
func TestScenario_OnlineFailureThenManualRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.sender.On("Send", mock.Anything, mock.Anything).
		Return(apperrors.NewBackendError("postmessage", 500, "server error")).Once()

	b := f.queue.Enqueue(ctx, draft("7", "hello"))
	require.Len(t, f.queue.trigger, 1, "enqueue while online schedules a drain")
	f.queue.DrainPending(ctx)
	waitForStatus(t, f.queue, b.ID, models.StatusError)

	entries := f.queue.Snapshot()
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Error)

	f.sender.On("Send", mock.Anything, withID(b.ID)).Return(nil).Once()
	require.NoError(t, f.queue.Retry(ctx, b.ID))

	assert.Equal(t, 0, f.queue.Len())
	f.sender.AssertNumberOfCalls(t, "Send", 2)
}

// Two offline entries are delivered strictly one after the other.
func TestScenario_DrainAwaitsEachSend(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c := f.queue.Enqueue(ctx, draft("7", "C"))
	d := f.queue.Enqueue(ctx, draft("7", "D"))

	var mu sync.Mutex
	var events []string
	var inFlight, maxInFlight int32
	record := func(id string) func(mock.Arguments) {
		return func(mock.Arguments) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			mu.Lock()
			events = append(events, "start "+id)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			events = append(events, "end "+id)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
		}
	}
	f.sender.On("Send", mock.Anything, withID(c.ID)).Run(record("C")).Return(nil).Once()
	f.sender.On("Send", mock.Anything, withID(d.ID)).Run(record("D")).Return(nil).Once()
	f.run(t)

	f.sw.Set(true)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start C", "end C", "start D", "end D"}, events)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}
