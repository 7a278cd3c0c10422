package queue

import (
	"context"
	"sync"
	"time"

	"evalgo.org/gameforge/internal/config"
	"evalgo.org/gameforge/internal/errdefs"
)

// MemoryQueue keeps jobs in process. Jobs are lost on restart; it serves
// development mode and tests.
type MemoryQueue struct {
	cfg config.QueueConfig
	now func() time.Time

	mu       sync.Mutex
	lanes    [][]*Envelope
	signals  []chan struct{}
	inflight map[string]*Envelope
	dead     []*Envelope
	progress map[string]int
	timers   map[*time.Timer]struct{}
	closed   bool
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(cfg config.QueueConfig) *MemoryQueue {
	cfg = normalize(cfg)
	q := &MemoryQueue{
		cfg:      cfg,
		now:      time.Now,
		lanes:    make([][]*Envelope, cfg.Lanes),
		signals:  make([]chan struct{}, cfg.Lanes),
		inflight: make(map[string]*Envelope),
		progress: make(map[string]int),
		timers:   make(map[*time.Timer]struct{}),
	}
	for i := range q.signals {
		q.signals[i] = make(chan struct{}, 1)
	}
	return q
}

func (q *MemoryQueue) Lanes() int { return q.cfg.Lanes }

func (q *MemoryQueue) checkLane(lane int) error {
	if lane < 0 || lane >= q.cfg.Lanes {
		return errdefs.InvalidArgument("lane %d out of range [0,%d)", lane, q.cfg.Lanes)
	}
	return nil
}

// push appends env to its lane. Callers hold q.mu.
func (q *MemoryQueue) push(env *Envelope) {
	q.lanes[env.Lane] = append(q.lanes[env.Lane], env)
	select {
	case q.signals[env.Lane] <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pushLater(env *Envelope, delay time.Duration) {
	if q.closed {
		return
	}
	if delay <= 0 {
		q.push(env)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if !q.closed {
			q.push(env)
		}
	})
	q.timers[t] = struct{}{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (*Envelope, error) {
	env, err := Encode(job, q.cfg.Lanes, q.now())
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errdefs.FailedPrecondition("queue closed")
	}
	cp := *env
	q.push(&cp)
	return env, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, lane int) (*Envelope, error) {
	if err := q.checkLane(lane); err != nil {
		return nil, err
	}
	timer := time.NewTimer(q.cfg.ReserveTimeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		if pending := q.lanes[lane]; len(pending) > 0 {
			env := pending[0]
			q.lanes[lane] = pending[1:]
			q.inflight[env.ID] = env
			q.mu.Unlock()
			cp := *env
			return &cp, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signals[lane]:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take removes env from the in-flight set.
func (q *MemoryQueue) take(env *Envelope) (*Envelope, error) {
	held, ok := q.inflight[env.ID]
	if !ok {
		return nil, errdefs.NotFound("job %s is not in flight", env.ID)
	}
	delete(q.inflight, env.ID)
	held.Attempt = env.Attempt
	return held, nil
}

func (q *MemoryQueue) Ack(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.take(env)
	return err
}

func (q *MemoryQueue) Retry(_ context.Context, env *Envelope, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, err := q.take(env)
	if err != nil {
		return err
	}
	held.LastError = errString(cause)
	q.pushLater(held, delay)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, err := q.take(env)
	if err != nil {
		return err
	}
	q.pushLater(held, q.cfg.RequeueDelay)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, env *Envelope, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, err := q.take(env)
	if err != nil {
		return err
	}
	held.LastError = errString(cause)
	q.dead = append(q.dead, held)
	if len(q.dead) > deadLetterLimit {
		q.dead = q.dead[len(q.dead)-deadLetterLimit:]
	}
	return nil
}

func (q *MemoryQueue) Progress(_ context.Context, jobID string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[jobID] = clampPercent(percent)
	return nil
}

func (q *MemoryQueue) JobProgress(_ context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress[jobID], nil
}

func (q *MemoryQueue) Dead(_ context.Context, limit int) ([]*Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*Envelope, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *q.dead[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Pending returns the number of queued (not in-flight, not delayed) jobs.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		n += len(l)
	}
	return n
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	for _, s := range q.signals {
		select {
		case s <- struct{}{}:
		default:
		}
	}
	return nil
}
