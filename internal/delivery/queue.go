package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"leadez/internal/decision"
	"leadez/internal/domain"
	"leadez/internal/ratelimit"
)

// Queue is a process-local FIFO of messages awaiting dispatch. It is not safe for
// concurrent use; hosts serialize calls.
type Queue struct {
	store   Store
	sender  Sender
	cfg     Config
	limiter *ratelimit.Limiter
	log     *slog.Logger

	items      []domain.Message
	queued     map[string]struct{}
	filter     *Filter
	stats      Stats
	processing bool
}

// Summary reports one ProcessWithRateLimit run.
// Sent+Failed+Skipped+Remaining always equals Dequeued.
type Summary struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Remaining int `json:"remaining"`
	// Retried counts failed attempts that were requeued.
	Retried  int `json:"retried"`
	Dequeued int `json:"dequeued"`
	Refilled int `json:"refilled"`
	Flushed  int `json:"flushed"`
	// Unmatched counts buffered updates whose id matched no stored message, or
	// whose message changed status underneath the run.
	Unmatched int `json:"unmatched"`
	// Stale counts queued messages dropped before dispatch because their stored
	// status had changed. They are not part of Dequeued.
	Stale         int     `json:"stale"`
	Unflushed     int     `json:"unflushed"`
	DryRun        bool    `json:"dry_run"`
	ElapsedMS     int64   `json:"elapsed_ms"`
	RatePerMinute float64 `json:"rate_per_minute"`
}

// Stats are lifetime counters for a Queue.
type Stats struct {
	TotalFetched int  `json:"total_fetched"`
	TotalSent    int  `json:"total_sent"`
	TotalFailed  int  `json:"total_failed"`
	BatchCount   int  `json:"batch_count"`
	QueueSize    int  `json:"queue_size"`
	Processing   bool `json:"processing"`
}

// Snapshot is the observable queue state.
type Snapshot struct {
	IDs          []string `json:"ids"`
	BatchSize    int      `json:"batch_size"`
	MaxPerMinute int      `json:"max_per_minute"`
	MinThreshold int      `json:"min_threshold"`
}

// New builds a Queue. The sender may be nil when every run supplies one or is a dry run.
func New(store Store, sender Sender, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, &domain.ConfigurationError{Field: "store", Reason: "is required"}
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.MaxPerMinute, ratelimit.WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	return &Queue{
		store:   store,
		sender:  sender,
		cfg:     cfg,
		limiter: limiter,
		log:     cfg.Logger.With("component", "delivery"),
		queued:  map[string]struct{}{},
	}, nil
}

func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) Len() int { return len(q.items) }

// Limiter exposes the pacing state, e.g. for NextAvailableSlot.
func (q *Queue) Limiter() *ratelimit.Limiter { return q.limiter }

func (q *Queue) Stats() Stats {
	s := q.stats
	s.QueueSize = len(q.items)
	s.Processing = q.processing
	return s
}

func (q *Queue) Snapshot() Snapshot {
	ids := make([]string, len(q.items))
	for i, m := range q.items {
		ids[i] = m.ID
	}
	return Snapshot{IDs: ids, BatchSize: q.cfg.BatchSize, MaxPerMinute: q.cfg.MaxPerMinute, MinThreshold: q.cfg.MinThreshold}
}

// SetMaxDispatch bounds the next runs; zero means unbounded.
func (q *Queue) SetMaxDispatch(n int) error {
	if n < 0 {
		return &domain.ConfigurationError{Field: "max_dispatch", Reason: "must not be negative"}
	}
	q.cfg.MaxDispatch = n
	return nil
}

// Clear drops every queued message without touching the store.
func (q *Queue) Clear() {
	q.log.Warn("clearing queue", "dropped", len(q.items))
	q.items = nil
	q.queued = map[string]struct{}{}
}

// FetchBatch pulls up to batch_size minus the current length of matching messages,
// oldest first, skipping ids already queued. It returns how many were enqueued.
// The filter is remembered for refills during ProcessWithRateLimit.
func (q *Queue) FetchBatch(ctx context.Context, f Filter) (int, error) {
	f = f.withDefaults()
	if !f.Status.Valid() {
		return 0, &domain.ConfigurationError{Field: "status", Reason: "unknown message status " + string(f.Status)}
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return 0, &domain.ConfigurationError{Field: "channel", Reason: "unknown channel " + string(f.Channel)}
	}
	if f.Limit < 0 {
		return 0, &domain.ConfigurationError{Field: "limit", Reason: "must not be negative"}
	}
	q.filter = &f
	n, _, err := q.fetch(ctx, f, nil)
	return n, err
}

// fetch appends matching messages created after the cursor and returns the
// cursor past the last record it examined. Only queued ids are excluded, so the
// query stays bounded by batch_size however long a run gets.
func (q *Queue) fetch(ctx context.Context, f Filter, after *domain.MessageCursor) (int, *domain.MessageCursor, error) {
	capacity := q.cfg.BatchSize - len(q.items)
	if f.Limit > 0 && f.Limit < capacity {
		capacity = f.Limit
	}
	if capacity <= 0 {
		return 0, after, nil
	}
	exclude := make([]string, 0, len(q.queued))
	for id := range q.queued {
		exclude = append(exclude, id)
	}
	sort.Strings(exclude)

	msgs, err := q.store.QueryMessages(ctx, domain.MessageQuery{
		Status:     f.Status,
		Channel:    f.Channel,
		ExcludeIDs: exclude,
		After:      after,
		Limit:      capacity,
	})
	if err != nil {
		return 0, after, domain.StoreError("fetch batch", err)
	}
	added := 0
	for _, m := range msgs {
		if added == capacity {
			break
		}
		after = domain.CursorOf(m)
		if _, ok := q.queued[m.ID]; ok {
			continue
		}
		q.push(m)
		added++
	}
	q.stats.TotalFetched += added
	if added > 0 {
		q.stats.BatchCount++
	}
	q.log.Debug("fetched batch", "status", f.Status, "channel", f.Channel, "added", added, "queue_size", len(q.items))
	return added, after, nil
}

// tail is the creation-order position of the newest queued message, or nil.
func (q *Queue) tail() *domain.MessageCursor {
	var last *domain.MessageCursor
	for _, m := range q.items {
		if last == nil || cursorLess(*last, *domain.CursorOf(m)) {
			last = domain.CursorOf(m)
		}
	}
	return last
}

func cursorLess(a, b domain.MessageCursor) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.Seq < b.Seq
}

func (q *Queue) push(m domain.Message) {
	q.items = append(q.items, m)
	q.queued[m.ID] = struct{}{}
}

func (q *Queue) pushFront(m domain.Message) {
	q.items = append([]domain.Message{m}, q.items...)
	q.queued[m.ID] = struct{}{}
}

func (q *Queue) pop() domain.Message {
	m := q.items[0]
	q.items[0] = domain.Message{}
	q.items = q.items[1:]
	delete(q.queued, m.ID)
	return m
}

// ProcessWithRateLimit drains the queue FIFO, pacing sends through the limiter and
// refilling from the store when the queue falls below min_threshold. A nil sender
// uses the one given to New. In a dry run the sender is never called and the store
// is never written.
//
// Queued messages whose stored status changed since they were fetched are dropped
// before the first dispatch. Messages that cannot be delivered (no content, no
// address, declined by the sender) are marked FAILED with the reason and counted
// as skipped. Messages whose attempts are already used up are marked FAILED
// without another attempt.
//
// Per-message send failures are counted, never returned. A store failure aborts the
// run and is returned with the partial Summary. On cancellation, updates for
// completed messages are flushed and ctx.Err() is returned; the in-flight message
// and everything not yet dispatched keep their stored status.
func (q *Queue) ProcessWithRateLimit(ctx context.Context, sender Sender, dryRun bool) (Summary, error) {
	if sender == nil {
		sender = q.sender
	}
	if sender == nil && !dryRun {
		return Summary{}, &domain.ConfigurationError{Field: "sender", Reason: "is required"}
	}
	q.processing = true
	defer func() { q.processing = false }()

	r := &run{
		q:       q,
		sender:  sender,
		dryRun:  dryRun,
		handled: map[string]struct{}{},
		pending: newUpdateBuffer(),
		summary: Summary{DryRun: dryRun},
	}
	start := q.cfg.Clock.Now()
	err := r.revalidate(ctx)
	if err == nil {
		r.cursor = q.tail()
		err = r.loop(ctx)
	}

	s := r.summary
	s.Remaining = s.Dequeued - s.Sent - s.Failed - s.Skipped
	s.Unflushed = r.pending.len()
	elapsed := q.cfg.Clock.Now().Sub(start)
	s.ElapsedMS = elapsed.Milliseconds()
	if minutes := elapsed.Minutes(); minutes > 0 {
		s.RatePerMinute = float64(s.Sent) / minutes
	}
	q.log.Info("queue run finished",
		"sent", s.Sent, "failed", s.Failed, "skipped", s.Skipped, "remaining", s.Remaining,
		"retried", s.Retried, "stale", s.Stale, "dry_run", dryRun, "elapsed", elapsed, "error", err)
	return s, err
}

type run struct {
	q          *Queue
	sender     Sender
	dryRun     bool
	handled    map[string]struct{}
	pending    *updateBuffer
	summary    Summary
	dispatched int
	exhausted  bool
	// cursor is the creation-order position refills continue from.
	cursor *domain.MessageCursor

	jobs    chan domain.Message
	results chan error
}

// revalidate re-reads the queued messages and drops those whose stored status
// no longer matches the status they were fetched with. The rest are refreshed.
func (r *run) revalidate(ctx context.Context) error {
	q := r.q
	if len(q.items) == 0 {
		return nil
	}
	ids := make([]string, len(q.items))
	for i, m := range q.items {
		ids[i] = m.ID
	}
	current, err := q.store.QueryMessages(ctx, domain.MessageQuery{IDs: ids, Limit: len(ids)})
	if err != nil {
		return domain.StoreError("revalidate queue", err)
	}
	byID := make(map[string]domain.Message, len(current))
	for _, m := range current {
		byID[m.ID] = m
	}
	kept := q.items[:0]
	for _, m := range q.items {
		stored, ok := byID[m.ID]
		if !ok || stored.Status != m.Status {
			delete(q.queued, m.ID)
			r.summary.Stale++
			q.log.Warn("dropping stale queued message", "message_id", m.ID, "queued_status", m.Status, "stored_status", stored.Status)
			continue
		}
		kept = append(kept, stored)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return nil
}

func (r *run) loop(ctx context.Context) error {
	q := r.q
	if !r.dryRun {
		workerCtx, stop := context.WithCancel(ctx)
		defer stop()
		r.startWorker(workerCtx)
		defer close(r.jobs)
	}
	for {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
		if q.cfg.MaxDispatch > 0 && r.dispatched >= q.cfg.MaxDispatch {
			break
		}
		if len(q.items) < q.cfg.MinThreshold && !r.exhausted && q.filter != nil {
			if err := r.refill(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return r.abort(ctx, ctxErr)
				}
				return err
			}
		}
		if len(q.items) == 0 {
			break
		}

		msg := q.pop()
		if _, seen := r.handled[msg.ID]; !seen {
			r.handled[msg.ID] = struct{}{}
			r.summary.Dequeued++
		}
		if err := r.handle(ctx, msg); err != nil {
			return err
		}
		if r.pending.len() >= q.cfg.FlushThreshold {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
	return r.checkpoint(ctx)
}

// handle settles one dequeued message. It returns an error only when the run
// must stop.
func (r *run) handle(ctx context.Context, msg domain.Message) error {
	q := r.q
	if reason := skipReason(msg); reason != "" {
		r.skip(msg, reason)
		return nil
	}
	if !decision.ShouldProceed("", msg.Status, msg.RetryCount, q.cfg.MaxRetries) {
		r.retire(msg)
		return nil
	}
	if r.dryRun {
		r.summary.Sent++
		r.dispatched++
		q.log.Info("dry run send", "message_id", msg.ID, "channel", msg.Channel, "to", msg.Address())
		return nil
	}

	if err := q.limiter.Wait(ctx); err != nil {
		q.pushFront(msg)
		return r.abort(ctx, err)
	}
	r.dispatched++
	r.jobs <- msg
	select {
	case sendErr := <-r.results:
		r.record(msg, sendErr)
		return nil
	case <-ctx.Done():
		q.log.Warn("cancelled with message in flight", "message_id", msg.ID)
		return r.abort(ctx, ctx.Err())
	}
}

func (r *run) startWorker(ctx context.Context) {
	r.jobs = make(chan domain.Message, 1)
	r.results = make(chan error, 1)
	go func() {
		for msg := range r.jobs {
			r.results <- r.sender.Deliver(ctx, msg)
		}
	}()
}

func (r *run) record(msg domain.Message, sendErr error) {
	q := r.q
	switch {
	case sendErr == nil:
		sentAt := q.cfg.Clock.Now().UTC().Format(time.RFC3339)
		r.pending.put(domain.MessageUpdate{ID: msg.ID, Status: domain.MessageSent, RetryCount: msg.RetryCount, SentAt: &sentAt, From: msg.Status})
		r.summary.Sent++
		q.stats.TotalSent++
		q.log.Info("message sent", "message_id", msg.ID, "channel", msg.Channel)
	case errors.Is(sendErr, ErrSkip):
		r.skip(msg, sendErr.Error())
	default:
		attempt := msg.RetryCount + 1
		serr := &SendError{MessageID: msg.ID, Attempt: attempt, Err: sendErr}
		msg.RetryCount = attempt
		msg.ErrorMessage = sendErr.Error()
		if attempt >= q.cfg.MaxRetries {
			r.pending.put(domain.MessageUpdate{ID: msg.ID, Status: domain.MessageFailed, RetryCount: attempt, ErrorMessage: msg.ErrorMessage, From: msg.Status})
			r.summary.Failed++
			q.stats.TotalFailed++
			q.log.Warn("message failed permanently", "message_id", msg.ID, "error", serr)
			return
		}
		r.pending.put(domain.MessageUpdate{ID: msg.ID, Status: msg.Status, RetryCount: attempt, ErrorMessage: msg.ErrorMessage, From: msg.Status})
		r.summary.Retried++
		q.push(msg)
		q.log.Warn("message send failed, requeued", "message_id", msg.ID, "error", serr)
	}
}

// skip marks an undeliverable message FAILED with the reason, leaving its retry
// count alone. It counts as skipped, not failed.
func (r *run) skip(msg domain.Message, reason string) {
	r.summary.Skipped++
	r.q.log.Warn("skipping undeliverable message", "message_id", msg.ID, "reason", reason)
	if r.dryRun {
		return
	}
	r.pending.put(domain.MessageUpdate{
		ID: msg.ID, Status: domain.MessageFailed, RetryCount: msg.RetryCount,
		ErrorMessage: "undeliverable: " + reason, From: msg.Status,
	})
}

// retire settles a message the sender must not see again. SENT and REJECTED
// messages are skipped as stored. A message whose attempts were used up before
// this run is failed.
func (r *run) retire(msg domain.Message) {
	q := r.q
	if msg.Status == domain.MessageSent || msg.Status == domain.MessageRejected {
		r.summary.Skipped++
		q.log.Warn("message already settled, not dispatching", "message_id", msg.ID, "status", msg.Status)
		return
	}
	r.summary.Failed++
	q.stats.TotalFailed++
	q.log.Warn("retry limit reached, not dispatching", "message_id", msg.ID, "retry_count", msg.RetryCount, "max_retries", q.cfg.MaxRetries)
	if r.dryRun {
		return
	}
	errMsg := msg.ErrorMessage
	if errMsg == "" {
		errMsg = "retry limit reached"
	}
	r.pending.put(domain.MessageUpdate{ID: msg.ID, Status: domain.MessageFailed, RetryCount: msg.RetryCount, ErrorMessage: errMsg, From: msg.Status})
}

func (r *run) refill(ctx context.Context) error {
	if err := r.flush(ctx); err != nil {
		return err
	}
	n, cursor, err := r.q.fetch(ctx, *r.q.filter, r.cursor)
	if err != nil {
		return err
	}
	r.cursor = cursor
	r.summary.Refilled += n
	if n == 0 {
		r.exhausted = true
		r.q.log.Debug("store exhausted")
	}
	return nil
}

// checkpoint flushes buffered updates. When ctx is done the flush goes through
// abort, so updates for delivered messages are never lost to a cancelled write.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.flush(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.abort(ctx, ctxErr)
		}
		return err
	}
	return nil
}

func (r *run) flush(ctx context.Context) error {
	if r.pending.len() == 0 {
		return nil
	}
	res, err := r.q.store.BatchUpdateMessages(ctx, r.pending.list())
	if err != nil {
		return domain.StoreError("flush status updates", err)
	}
	r.pending.reset()
	r.summary.Flushed += len(res.Updated)
	if len(res.Missing) > 0 {
		r.summary.Unmatched += len(res.Missing)
		r.q.log.Warn("status updates matched no message", "ids", res.Missing)
	}
	return nil
}

// abort flushes what completed before cause and returns cause joined with any flush error.
func (r *run) abort(ctx context.Context, cause error) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.q.cfg.FlushTimeout)
	defer cancel()
	if err := r.flush(flushCtx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func skipReason(m domain.Message) string {
	if strings.TrimSpace(m.Content) == "" {
		return "empty content"
	}
	if !m.Channel.Valid() {
		return "unknown channel"
	}
	if m.Address() == "" {
		return "no recipient address for channel"
	}
	return ""
}

type updateBuffer struct {
	order []string
	byID  map[string]domain.MessageUpdate
}

func newUpdateBuffer() *updateBuffer {
	return &updateBuffer{byID: map[string]domain.MessageUpdate{}}
}

// put replaces any earlier update for the same id, keeping its original position.
func (b *updateBuffer) put(u domain.MessageUpdate) {
	if _, ok := b.byID[u.ID]; !ok {
		b.order = append(b.order, u.ID)
	}
	b.byID[u.ID] = u
}

func (b *updateBuffer) len() int { return len(b.order) }

func (b *updateBuffer) list() []domain.MessageUpdate {
	out := make([]domain.MessageUpdate, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.byID[id])
	}
	return out
}

func (b *updateBuffer) reset() {
	b.order = nil
	b.byID = map[string]domain.MessageUpdate{}
}
