package app

import (
	"context"
	"sync"
	"time"

	"leadez/internal/config"
	"leadez/internal/delivery"
	"leadez/internal/pipeline"
)

// QueueOverrides replace pipeline options for one invocation. Zero leaves the
// configured value; any other value is validated, never clamped.
type QueueOverrides struct {
	BatchSize    int `json:"batch_size,omitempty" doc:"Messages fetched per batch"`
	MaxPerMinute int `json:"max_per_minute,omitempty" doc:"Send rate limit"`
	MinThreshold int `json:"min_threshold,omitempty" doc:"Refill when the queue drops below this"`
	MaxRetries   int `json:"max_retries,omitempty" doc:"Attempts before a message is FAILED"`
}

func (o QueueOverrides) empty() bool { return o == QueueOverrides{} }

// Apply returns p with the overrides applied.
func (o QueueOverrides) Apply(p config.Pipeline) config.Pipeline {
	if o.BatchSize != 0 {
		p.BatchSize = o.BatchSize
	}
	if o.MaxPerMinute != 0 {
		p.MaxPerMinute = o.MaxPerMinute
	}
	if o.MinThreshold != 0 {
		p.MinThreshold = o.MinThreshold
	}
	if o.MaxRetries != 0 {
		p.MaxRetries = o.MaxRetries
	}
	return p
}

// QueueStatus is the observable state of the shared queue.
type QueueStatus struct {
	Stats    delivery.Stats    `json:"stats"`
	Snapshot delivery.Snapshot `json:"queue"`
	NextSlot time.Time         `json:"next_available_slot"`
	// SpacingMS is the minimum gap between two sends.
	SpacingMS int64 `json:"spacing_ms"`
}

// Host owns the process-wide delivery queue used by the HTTP and MCP servers and
// serializes every call on it.
type Host struct {
	svc *Services

	mu    sync.Mutex
	queue *delivery.Queue
	opts  []delivery.Option
}

func NewHost(svc *Services, opts ...delivery.Option) *Host {
	return &Host{svc: svc, opts: opts}
}

func (h *Host) Services() *Services { return h.svc }

func (h *Host) queueLocked(o QueueOverrides) (*delivery.Queue, error) {
	if h.queue != nil && o.empty() {
		return h.queue, nil
	}
	cfg := QueueConfig(o.Apply(h.svc.Config.Pipeline))
	q, err := h.svc.NewQueue(append([]delivery.Option{delivery.WithConfig(cfg)}, h.opts...)...)
	if err != nil {
		return nil, err
	}
	if h.queue != nil && h.queue.Len() > 0 {
		h.svc.Logger.Warn("queue reconfigured, dropping staged messages", "dropped", h.queue.Len())
	}
	h.queue = q
	return q, nil
}

// Fetch stages messages on the shared queue. Non-empty overrides rebuild the
// queue; staged copies are dropped and the store is untouched.
func (h *Host) Fetch(ctx context.Context, f delivery.Filter, o QueueOverrides) (int, QueueStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, err := h.queueLocked(o)
	if err != nil {
		return 0, QueueStatus{}, err
	}
	n, err := q.FetchBatch(ctx, f)
	return n, status(q), err
}

// Process drains the shared queue. maxDispatch of zero is unbounded.
func (h *Host) Process(ctx context.Context, dryRun bool, maxDispatch int) (delivery.Summary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, err := h.queueLocked(QueueOverrides{})
	if err != nil {
		return delivery.Summary{}, err
	}
	if err := q.SetMaxDispatch(maxDispatch); err != nil {
		return delivery.Summary{}, err
	}
	return q.ProcessWithRateLimit(ctx, nil, dryRun)
}

// SendMessages is Fetch followed by an unbounded Process on the shared queue.
func (h *Host) SendMessages(ctx context.Context, f delivery.Filter, o QueueOverrides, dryRun bool) (delivery.Summary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, err := h.queueLocked(o)
	if err != nil {
		return delivery.Summary{}, err
	}
	if _, err := q.FetchBatch(ctx, f); err != nil {
		return delivery.Summary{}, err
	}
	if err := q.SetMaxDispatch(0); err != nil {
		return delivery.Summary{}, err
	}
	return q.ProcessWithRateLimit(ctx, nil, dryRun)
}

func (h *Host) Status() QueueStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queue == nil {
		return QueueStatus{Stats: delivery.Stats{}, Snapshot: delivery.Snapshot{IDs: []string{}}}
	}
	return status(h.queue)
}

func (h *Host) Clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queue == nil {
		return 0
	}
	n := h.queue.Len()
	h.queue.Clear()
	return n
}

// Cycle runs one orchestration cycle while holding the queue lock. A send cycle
// drains the shared queue, so messages staged by Fetch are delivered once.
func (h *Host) Cycle(ctx context.Context, dryRun bool) (pipeline.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loop, err := h.svc.loop(dryRun, func() (*delivery.Queue, error) {
		q, err := h.queueLocked(QueueOverrides{})
		if err != nil {
			return nil, err
		}
		return q, q.SetMaxDispatch(0)
	})
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return loop.Cycle(ctx)
}

// Run cycles through the host every interval until ctx is done.
func (h *Host) Run(ctx context.Context, dryRun bool, interval time.Duration) error {
	log := h.svc.Logger.With("component", "loop")
	log.Info("orchestration loop started", "interval", interval, "dry_run", dryRun)
	return pipeline.RunEvery(ctx, interval, log, func(ctx context.Context) (pipeline.Outcome, error) {
		return h.Cycle(ctx, dryRun)
	})
}

func status(q *delivery.Queue) QueueStatus {
	return QueueStatus{
		Stats:     q.Stats(),
		Snapshot:  q.Snapshot(),
		NextSlot:  q.Limiter().NextAvailableSlot(),
		SpacingMS: q.Limiter().Spacing().Milliseconds(),
	}
}
