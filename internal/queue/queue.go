// Package queue holds outbound chat messages that could not be delivered
// yet and retries them whenever the backend becomes reachable.
//
// Every mutation writes a full snapshot of the queue to the Store, so a
// restart resumes from the last mutation. Delivery failures never escape the
// queue: they are recorded on the entry as status "error" and retried on the
// next drain or by an explicit Retry.
package queue

import (
	"context"
	"sync"
	"time"

	"sendqueue/internal/connectivity"
	"sendqueue/internal/constants"
	apperrors "sendqueue/internal/errors"
	"sendqueue/internal/logfields"
	"sendqueue/internal/metrics"
	"sendqueue/internal/models"
	"sendqueue/internal/privacy"
	"sendqueue/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sender delivers one message to the chat backend. Any error counts as a
// failed attempt.
type Sender interface {
	Send(ctx context.Context, msg models.QueuedMessage) error
}

// Store persists complete queue snapshots. Saving an empty queue must
// remove the stored record.
type Store interface {
	Load(ctx context.Context) ([]models.QueuedMessage, error)
	Save(ctx context.Context, entries []models.QueuedMessage) error
}

var (
	// ErrNotFound matches errors for ids that are not queued.
	ErrNotFound = apperrors.New(apperrors.ErrCodeNotFound, "")
	// ErrInFlight matches errors for entries whose send is still running.
	ErrInFlight = apperrors.New(apperrors.ErrCodeConflict, "")
)

// State is what the presentation layer renders.
type State struct {
	Online     bool                   `json:"online"`
	HasPending bool                   `json:"hasPending"`
	Entries    []models.QueuedMessage `json:"entries"`
}

type Option func(*Queue)

// WithDrainDelay sets the pause between two attempts of one drain.
func WithDrainDelay(d time.Duration) Option {
	return func(q *Queue) { q.drainDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) { q.newID = newID }
}

func WithMetrics(registry *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = registry }
}

// Queue is safe for concurrent use. Drains are serialized; a Retry may run
// next to a drain and is kept apart from it by the entry's sending status.
type Queue struct {
	store    Store
	sender   Sender
	observer connectivity.Observer
	logger   *logrus.Logger
	metrics  *metrics.Registry

	drainDelay time.Duration
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	entries []models.QueuedMessage

	drainMu sync.Mutex
	trigger chan struct{}

	subMu       sync.Mutex
	subscribers map[int]chan State
	nextSubID   int
}

func New(store Store, sender Sender, observer connectivity.Observer, logger *logrus.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		store:       store,
		sender:      sender,
		observer:    observer,
		logger:      logger,
		metrics:     metrics.GetRegistry(),
		drainDelay:  time.Duration(constants.DefaultDrainDelayMs) * time.Millisecond,
		now:         time.Now,
		newID:       uuid.NewString,
		trigger:     make(chan struct{}, 1),
		subscribers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the stored snapshot. Entries found
// in "sending" were interrupted by a restart and go back to "pending".
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.store.Load(ctx)
	if err != nil {
		q.metrics.IncrementCounter("queue_persist_failures_total", map[string]string{"operation": "load"}, "Queue store failures")
		return apperrors.NewStorageError("load", err)
	}

	recovered := 0
	for i := range entries {
		if entries[i].Status == models.StatusSending {
			entries[i].Status = models.StatusPending
			recovered++
		}
	}

	q.mu.Lock()
	q.entries = entries
	depth := len(q.entries)
	if recovered > 0 {
		q.saveLocked(ctx, "load")
	}
	q.mu.Unlock()

	q.metrics.SetGauge("queue_depth", float64(depth), nil, "Entries in the send queue")
	q.logger.WithFields(logrus.Fields{
		logfields.QueueDepth: depth,
		"recovered":          recovered,
	}).Info("Send queue loaded")
	q.publish()
	return nil
}

// Enqueue appends draft as a new pending entry and persists the queue. It
// never fails; when online it also schedules a drain.
func (q *Queue) Enqueue(ctx context.Context, draft models.Draft) models.QueuedMessage {
	msg := models.QueuedMessage{
		ID:         q.newID(),
		ChatTarget: draft.ChatTarget,
		Text:       draft.Text,
		Photo:      draft.Photo,
		Position:   draft.Position,
		CreatedAt:  q.now().UTC(),
		Status:     models.StatusPending,
	}

	q.mu.Lock()
	q.entries = append(q.entries, msg)
	q.saveLocked(ctx, "enqueue")
	q.mu.Unlock()

	q.metrics.IncrementCounter("queue_enqueued_total", nil, "Messages added to the send queue")
	q.logger.WithFields(logrus.Fields{
		logfields.MessageID: privacy.MaskMessageID(msg.ID),
		logfields.ChatID:    privacy.MaskChatID(msg.ChatTarget),
		logfields.Content:   privacy.ContentSummary(msg.Text, msg.Photo, msg.Position),
	}).Info("Message queued")
	q.publish()

	if q.observer.Online() {
		q.TriggerDrain()
	}
	return msg
}

// Retry re-attempts one entry right away, independent of any drain. It
// returns ErrNotFound for unknown ids and ErrInFlight while the entry is
// being sent. A failed delivery is not an error: it shows up on the entry.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.attemptSend(ctx, id)
}

// Discard removes the entry whatever its status. It reports false when the
// entry is already gone. Discarding an entry that is being sent removes it
// now; the running attempt then completes without touching the queue.
func (q *Queue) Discard(ctx context.Context, id string) bool {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	status := q.entries[idx].Status
	q.removeLocked(idx)
	q.saveLocked(ctx, "discard")
	q.mu.Unlock()

	q.metrics.IncrementCounter("queue_discarded_total", nil, "Entries discarded")
	q.logger.WithFields(logrus.Fields{
		logfields.MessageID: privacy.MaskMessageID(id),
		logfields.Status:    status,
	}).Info("Queued message discarded")
	q.publish()
	return true
}

// attemptSend moves the entry to sending, calls the sender and applies
// the outcome: success deletes the entry, failure marks it as error.
func (q *Queue) attemptSend(ctx context.Context, id string) error {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return apperrors.NewNotFoundError("queued message", id)
	}
	if q.entries[idx].Status == models.StatusSending {
		q.mu.Unlock()
		return apperrors.NewConflictError("queued message", id, "message is already being sent")
	}
	q.entries[idx].Status = models.StatusSending
	q.entries[idx].Error = ""
	msg := q.entries[idx]
	q.saveLocked(ctx, "mark_sending")
	q.mu.Unlock()
	q.publish()

	logger := q.logger.WithFields(logrus.Fields{
		logfields.MessageID: privacy.MaskMessageID(id),
		logfields.ChatID:    privacy.MaskChatID(msg.ChatTarget),
	})

	spanCtx, span := tracing.StartSpan(ctx, "queue.send", tracing.AttrMessageID.String(id))
	start := time.Now()
	sendErr := q.sender.Send(spanCtx, msg)
	elapsed := time.Since(start)
	q.metrics.RecordTimer("queue_send_duration", elapsed, nil, "Duration of send attempts")

	if sendErr != nil {
		tracing.RecordError(spanCtx, sendErr)
		q.metrics.IncrementCounter("queue_send_attempts_total", map[string]string{"result": "error"}, "Send attempts")
	} else {
		tracing.SetSpanOK(spanCtx)
		q.metrics.IncrementCounter("queue_send_attempts_total", map[string]string{"result": "success"}, "Send attempts")
	}
	span.End()

	// The request may have ended while the backend call ran; the outcome
	// must still be recorded.
	persistCtx := context.WithoutCancel(ctx)

	q.mu.Lock()
	idx = q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		logger.Info("Queued message discarded during send, dropping result")
		return nil
	}
	if sendErr == nil {
		q.removeLocked(idx)
	} else {
		q.entries[idx].Status = models.StatusError
		q.entries[idx].Error = failureText(sendErr)
	}
	q.saveLocked(persistCtx, "complete_send")
	q.mu.Unlock()
	q.publish()

	logger = logger.WithField(logfields.Duration, elapsed.Milliseconds())
	if sendErr != nil {
		apperrors.WithError(logger, sendErr).Warn("Send attempt failed, message stays queued")
	} else {
		logger.Info("Queued message delivered")
	}
	return nil
}

// DrainPending attempts every pending or error entry once, in queue order,
// waiting for each attempt before starting the next and pausing between
// them. Entries added after the drain started are left for the next drain.
// The drain stops early when ctx ends or the observer reports offline.
func (q *Queue) DrainPending(ctx context.Context) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	ids := q.drainableIDs()
	if len(ids) == 0 {
		return
	}

	q.metrics.IncrementCounter("queue_drains_total", nil, "Drain passes started")
	q.logger.WithField(logfields.Count, len(ids)).Info("Draining send queue")

	attempted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if !q.isDrainable(id) {
			continue
		}
		if attempted > 0 && !sleepCtx(ctx, q.drainDelay) {
			return
		}
		if !q.observer.Online() {
			q.logger.WithField(logfields.Count, len(ids)-attempted).Info("Went offline, stopping drain")
			return
		}

		err := q.attemptSend(ctx, id)
		if err != nil {
			// discarded or picked up by a manual retry in the meantime
			q.logger.WithField(logfields.MessageID, privacy.MaskMessageID(id)).
				WithError(err).Debug("Skipping entry during drain")
			continue
		}
		attempted++
	}
}

// TriggerDrain asks Run for a drain. Requests made while a drain is
// pending collapse into one.
func (q *Queue) TriggerDrain() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run performs drains until ctx ends: once at start when online, on every
// offline to online transition and on every TriggerDrain while online.
func (q *Queue) Run(ctx context.Context) {
	events, unsubscribe := q.observer.Subscribe()
	defer unsubscribe()

	if q.observer.Online() {
		q.TriggerDrain()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-events:
			q.logger.WithField(logfields.Online, online).Info("Connectivity changed")
			q.publish()
			if online {
				q.DrainPending(ctx)
			}
		case <-q.trigger:
			if q.observer.Online() {
				q.DrainPending(ctx)
			}
		}
	}
}

// Snapshot returns a copy of the queue in order.
func (q *Queue) Snapshot() []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

func (q *Queue) Get(id string) (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return models.QueuedMessage{}, false
	}
	return q.entries[idx], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) IsOnline() bool {
	return q.observer.Online()
}

// HasPending reports whether any entry is pending or being sent.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasPendingLocked()
}

func (q *Queue) State() State {
	q.mu.Lock()
	entries := q.copyLocked()
	hasPending := q.hasPendingLocked()
	q.mu.Unlock()

	if entries == nil {
		entries = []models.QueuedMessage{}
	}
	return State{
		Online:     q.observer.Online(),
		HasPending: hasPending,
		Entries:    entries,
	}
}

// Subscribe returns a channel that receives the queue state after every
// change. A slow reader only ever misses intermediate states.
func (q *Queue) Subscribe() (<-chan State, func()) {
	q.subMu.Lock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan State, constants.QueueSubscriberBufferSize)
	q.subscribers[id] = ch
	q.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			delete(q.subscribers, id)
		})
	}
}

// publish takes the snapshot under subMu so a later snapshot is never
// overwritten by an earlier one.
func (q *Queue) publish() {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	if len(q.subscribers) == 0 {
		return
	}

	state := q.State()
	for _, ch := range q.subscribers {
		for delivered := false; !delivered; {
			select {
			case ch <- state:
				delivered = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// saveLocked writes the current queue to the store. A failed write is
// logged and counted; the in-memory queue stays authoritative.
func (q *Queue) saveLocked(ctx context.Context, operation string) {
	depth := len(q.entries)
	q.metrics.SetGauge("queue_depth", float64(depth), nil, "Entries in the send queue")

	if err := q.store.Save(ctx, q.copyLocked()); err != nil {
		q.metrics.IncrementCounter("queue_persist_failures_total", map[string]string{"operation": operation}, "Queue store failures")
		apperrors.LogError(q.logger, apperrors.NewStorageError(operation, err), "Failed to persist send queue", logrus.Fields{
			logfields.QueueDepth: depth,
		})
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(idx int) {
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
}

func (q *Queue) copyLocked() []models.QueuedMessage {
	if len(q.entries) == 0 {
		return nil
	}
	out := make([]models.QueuedMessage, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) hasPendingLocked() bool {
	for _, e := range q.entries {
		if e.Status == models.StatusPending || e.Status == models.StatusSending {
			return true
		}
	}
	return false
}

func (q *Queue) drainableIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, e := range q.entries {
		if e.Status.Drainable() {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (q *Queue) isDrainable(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	return idx >= 0 && q.entries[idx].Status.Drainable()
}

func failureText(err error) string {
	if text := apperrors.Describe(err); text != "" {
		return text
	}
	return "send failed"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
