// Package consumer runs the long-poll delivery loop: a dispatcher claims
// envelopes from the queue and hands each one to the lane owning its group,
// so messages sharing a grouping key are forwarded one at a time and in
// arrival order. Failed forwards are released back to the broker with
// exponential visibility backoff until the attempt budget is exhausted, at
// which point the message is dead-lettered.
package consumer

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/webhook-relay/internal/config"
	"github.com/relaymesh/webhook-relay/internal/dlq"
	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/logging"
	"github.com/relaymesh/webhook-relay/internal/metrics"
	"github.com/relaymesh/webhook-relay/internal/queue"
)

// maxVisibilityBackoff caps the redelivery interval.
const maxVisibilityBackoff = 900 * time.Second

// Options tune the runner. Zero values fall back to the defaults: 4 workers,
// 8 attempts, a 30s visibility base, and the broker's maximum long-poll wait.
type Options struct {
	Workers        int
	MaxAttempts    int
	VisibilityBase time.Duration
	WaitTime       time.Duration
}

func (o *Options) normalize() {
	if o.Workers < 1 {
		o.Workers = 4
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 8
	}
	if o.VisibilityBase <= 0 {
		o.VisibilityBase = 30 * time.Second
	}
	if o.WaitTime <= 0 || o.WaitTime > queue.MaxWait {
		o.WaitTime = queue.MaxWait
	}
}

// groupHold marks a group whose released message is awaiting redelivery.
// Until that message comes back, every other message of the group is pushed
// behind it instead of forwarded, so a failure cannot be overtaken.
type groupHold struct {
	msgID string
	until time.Time
}

// Runner owns the consumer workers. It is a singleton per process; the
// control plane drives mode switches and restarts through it.
type Runner struct {
	queue  queue.Queue
	fwd    *Forwarder
	dlq    dlq.Writer
	logger *logging.Logger
	opts   Options

	mode atomic.Value // config.Mode

	holdMu sync.Mutex
	holds  map[string]groupHold

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	parent    context.Context
	running   atomic.Bool
	startedAt time.Time
	lastError atomic.Value // string
}

// NewRunner wires the consumer. The forwarder reads the live mode through
// the runner, so control-plane switches take effect on the next forward.
func NewRunner(q queue.Queue, deadLetters dlq.Writer, logger *logging.Logger, dcfg config.DownstreamConfig, opts Options) *Runner {
	opts.normalize()
	r := &Runner{
		queue:  q,
		dlq:    deadLetters,
		logger: logger.With(logging.Service("consumer")),
		opts:   opts,
		holds:  make(map[string]groupHold),
	}
	r.mode.Store(config.Mode(dcfg.Mode))
	r.lastError.Store("")
	r.fwd = NewForwarder(dcfg.DevURL, dcfg.ProdURL, r.Mode)
	return r
}

// Mode returns the live operating mode.
func (r *Runner) Mode() config.Mode {
	return r.mode.Load().(config.Mode)
}

// SetMode switches the downstream target live. Readers see either the old
// or the new mode, never a torn value.
func (r *Runner) SetMode(m config.Mode) error {
	if !m.Valid() {
		return config.ErrInvalidMode
	}
	r.mode.Store(m)
	r.logger.Info("mode switched", slog.String("mode", string(m)))
	return nil
}

// Workers returns the configured worker count.
func (r *Runner) Workers() int { return r.opts.Workers }

// Running reports whether workers are active.
func (r *Runner) Running() bool { return r.running.Load() }

// Uptime reports how long the current worker set has been running.
func (r *Runner) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.Load() {
		return 0
	}
	return time.Since(r.startedAt)
}

// LastError returns the most recent worker-level error, if any.
func (r *Runner) LastError() string {
	return r.lastError.Load().(string)
}

// Start launches the dispatcher and worker lanes. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Load() {
		return
	}

	r.parent = ctx
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.startedAt = time.Now()
	r.running.Store(true)

	lanes := make([]chan queue.Message, r.opts.Workers)
	for i := range lanes {
		lanes[i] = make(chan queue.Message, 1)
	}
	r.wg.Add(1)
	go r.dispatch(runCtx, lanes)
	for i, lane := range lanes {
		r.wg.Add(1)
		go r.worker(runCtx, i, lane)
	}
	r.logger.Info("consumer started", slog.Int("workers", r.opts.Workers))
}

// Stop cancels the dispatcher and waits for the lanes to drain. A message
// already claimed is processed to completion on a detached context, so an
// in-flight forward is never aborted mid-request.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.running.Store(false)
	r.logger.Info("consumer stopped")
}

// Restart drains workers and brings a fresh set up, used by the control
// plane's restart endpoint.
func (r *Runner) Restart() {
	r.mu.Lock()
	parent := r.parent
	r.mu.Unlock()
	if parent == nil {
		return
	}
	r.Stop()
	r.Start(parent)
}

// dispatch is the single receive loop. Routing every message of a group to
// one lane keeps same-group forwards sequential and ordered even with many
// workers.
func (r *Runner) dispatch(ctx context.Context, lanes []chan queue.Message) {
	defer r.wg.Done()
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()
	log := r.logger.With(slog.String("role", "dispatch"))

	batch := r.opts.Workers
	if batch > queue.MaxReceiveBatch {
		batch = queue.MaxReceiveBatch
	}

	for ctx.Err() == nil {
		msgs, err := r.queue.Receive(ctx, batch, r.opts.VisibilityBase, r.opts.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.lastError.Store(err.Error())
			log.Warn("receive failed", logging.Error(err))
			// Avoid a hot loop when the broker is down; the long-poll wait
			// normally paces this loop for us.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			if !r.handoff(ctx, log, lanes[laneFor(msg.GroupKey, len(lanes))], msg) {
				return
			}
		}
	}
}

// handoff delivers one claimed message to its lane, extending the visibility
// clock while the lane is busy. On shutdown the message is released for
// prompt redelivery instead of waiting out the ack timer.
func (r *Runner) handoff(ctx context.Context, log *logging.Logger, lane chan queue.Message, msg queue.Message) bool {
	interval := r.opts.VisibilityBase / 3
	if interval < time.Second {
		interval = time.Second
	}
	keepAlive := time.NewTicker(interval)
	defer keepAlive.Stop()

	for {
		select {
		case lane <- msg:
			return true
		case <-keepAlive.C:
			if err := r.queue.Extend(ctx, msg.Handle); err != nil {
				log.Warn("extend failed", logging.MessageID(msg.ID), logging.Error(err))
			}
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.queue.Release(releaseCtx, msg.Handle, 0); err != nil {
				log.Warn("shutdown release failed", logging.MessageID(msg.ID), logging.Error(err))
			}
			return false
		}
	}
}

func (r *Runner) worker(ctx context.Context, id int, lane <-chan queue.Message) {
	defer r.wg.Done()
	log := r.logger.With(slog.Int("worker", id))

	// Claimed messages are processed on a detached context: cancellation
	// stops the dispatcher, and the loop ends when the lane closes, never
	// in the middle of a forward.
	detached := context.WithoutCancel(ctx)
	for msg := range lane {
		r.process(detached, log, msg)
	}
}

// process handles one claimed message end-to-end. Failures are absorbed
// into the taxonomy; nothing here may kill the worker.
func (r *Runner) process(ctx context.Context, log *logging.Logger, msg queue.Message) {
	if delay, blocked := r.groupBlocked(msg); blocked {
		log.Info("group held, releasing",
			logging.MessageID(msg.ID),
			slog.String("group", msg.GroupKey),
			slog.Duration("redeliver_in", delay),
		)
		if err := r.queue.Release(ctx, msg.Handle, delay); err != nil {
			log.Warn("release failed", logging.MessageID(msg.ID), logging.Error(err))
		}
		return
	}

	e, err := envelope.Unmarshal(msg.Body)
	if err != nil {
		// Poison pill: drop after one parse failure.
		log.Error("poison message dropped", logging.MessageID(msg.ID), logging.Error(err))
		if derr := r.queue.Delete(ctx, msg.Handle); derr != nil {
			log.Error("poison delete failed", logging.MessageID(msg.ID), logging.Error(derr))
		}
		return
	}

	// The message may have queued behind its lane; restart the ack clock
	// before the forward begins.
	if err := r.queue.Extend(ctx, msg.Handle); err != nil {
		log.Warn("extend failed", logging.EventID(e.ID), logging.Error(err))
	}

	start := time.Now()
	res := r.fwd.Forward(ctx, e)
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	metrics.ForwardsTotal.WithLabelValues(string(e.Source), string(res.Class)).Inc()

	switch {
	case res.Class == Delivered:
		if err := r.queue.Delete(ctx, msg.Handle); err != nil {
			log.Error("ack failed", logging.EventID(e.ID), logging.Error(err))
			return
		}
		log.Info("forwarded",
			logging.EventID(e.ID),
			logging.Source(string(e.Source)),
			logging.Status(res.Status),
			logging.Attempt(msg.ReceiveCount),
		)

	case res.Class.Permanent():
		r.deadLetter(ctx, log, e, msg, res)

	default:
		if msg.ReceiveCount >= r.opts.MaxAttempts {
			r.deadLetter(ctx, log, e, msg, res)
			return
		}
		delay := res.RetryAfter
		if delay <= 0 {
			delay = r.backoff(msg.ReceiveCount)
		}
		log.Warn("forward failed, releasing",
			logging.EventID(e.ID),
			logging.Status(res.Status),
			logging.Attempt(msg.ReceiveCount),
			slog.String("class", string(res.Class)),
			slog.Duration("redeliver_in", delay),
		)
		r.holdGroup(msg.GroupKey, msg.ID, delay)
		if err := r.queue.Release(ctx, msg.Handle, delay); err != nil {
			// Visibility will expire on its own; redelivery just takes the
			// consumer ack-wait instead of our computed delay.
			log.Warn("release failed", logging.EventID(e.ID), logging.Error(err))
		}
	}
}

// groupBlocked reports whether an earlier message of msg's group is still
// awaiting redelivery. The blocker itself passes through and lifts the hold.
func (r *Runner) groupBlocked(msg queue.Message) (time.Duration, bool) {
	r.holdMu.Lock()
	defer r.holdMu.Unlock()
	h, ok := r.holds[msg.GroupKey]
	if !ok {
		return 0, false
	}
	if h.msgID == msg.ID {
		delete(r.holds, msg.GroupKey)
		return 0, false
	}
	delay := time.Until(h.until) + time.Second
	if delay < time.Second {
		delay = time.Second
	}
	return delay, true
}

// holdGroup records the released message as its group's blocker until the
// redelivery delay has passed.
func (r *Runner) holdGroup(groupKey, msgID string, delay time.Duration) {
	r.holdMu.Lock()
	r.holds[groupKey] = groupHold{msgID: msgID, until: time.Now().Add(delay)}
	r.holdMu.Unlock()
}

// deadLetter is the terminal path: record the message, then ack it away.
func (r *Runner) deadLetter(ctx context.Context, log *logging.Logger, e *envelope.Envelope, msg queue.Message, res Result) {
	log.Error("PermanentFailure",
		logging.EventID(e.ID),
		slog.String("dedup_key", e.DedupKey),
		slog.Int("last_status", res.Status),
		slog.String("class", string(res.Class)),
		logging.Attempt(msg.ReceiveCount),
	)
	if r.dlq != nil {
		if err := r.dlq.Write(ctx, e, res.Status, string(res.Class)); err != nil {
			log.Error("dead-letter write failed", logging.EventID(e.ID), logging.Error(err))
		}
	}
	if err := r.queue.Delete(ctx, msg.Handle); err != nil {
		log.Error("dead-letter ack failed", logging.EventID(e.ID), logging.Error(err))
	}
}

// backoff computes the visibility-style redelivery delay:
// min(base * 2^(receiveCount-1), 900s).
func (r *Runner) backoff(receiveCount int) time.Duration {
	if receiveCount < 1 {
		receiveCount = 1
	}
	d := r.opts.VisibilityBase
	for i := 1; i < receiveCount; i++ {
		d *= 2
		if d >= maxVisibilityBackoff {
			return maxVisibilityBackoff
		}
	}
	if d > maxVisibilityBackoff {
		d = maxVisibilityBackoff
	}
	return d
}

// laneFor maps a grouping key to a stable lane index.
func laneFor(groupKey string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(groupKey))
	return int(h.Sum32() % uint32(lanes))
}
