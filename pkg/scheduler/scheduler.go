package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned for operations submitted to, or still queued in, a
// closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// ErrInvalidRequest is returned when an Operation cannot be turned into an
// HTTP request. Such operations are never sent.
var ErrInvalidRequest = errors.New("invalid request")

// backlogWarnThreshold is the queue length above which backlog warnings are logged.
const backlogWarnThreshold = 50

var tracer = otel.Tracer("github.com/Sternrassler/record-gateway/pkg/scheduler")

// Operation is a pending HTTP call.
type Operation struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the fully read response of a dispatched operation.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Dispatches counts how often the operation was sent, including
	// attempts answered with 429.
	Dispatches int
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	QueueLength       int           `json:"queue_length"`
	UserQueued        int           `json:"user_queued"`
	InfraQueued       int           `json:"infra_queued"`
	CountThisWindow   int           `json:"count_this_window"`
	Budget            int           `json:"budget"`
	UntilWindowReset  time.Duration `json:"until_window_reset"`
	InFlight          int           `json:"in_flight"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Config holds the scheduler configuration.
type Config struct {
	// Budget is the maximum number of dispatches in any Window.
	Budget int

	// Window is the length of the rate window.
	Window time.Duration

	// Buffer is added to computed waits to stay clear of the window boundary.
	Buffer time.Duration

	// Cooldown pauses dispatching after a 429. A larger Retry-After wins.
	Cooldown time.Duration

	// InfraReserve is the share of Budget preferentially granted to LaneInfra.
	InfraReserve int

	// MaxInFlight bounds concurrently outstanding HTTP calls.
	MaxInFlight int

	HTTPClient *http.Client
	Clock      Clock
	Logger     *zerolog.Logger

	// OnQueueChange is invoked after every enqueue, dispatch and completion.
	// Calls are serialized and observe snapshots in order. The hook must not
	// call Submit or Close.
	OnQueueChange func(Stats)
}

// DefaultConfig returns a configuration matching the backend quota.
func DefaultConfig() Config {
	return Config{
		Budget:       DefaultBudget,
		Window:       DefaultWindow,
		Buffer:       DefaultBuffer,
		Cooldown:     DefaultCooldown,
		InfraReserve: DefaultInfraReserve,
		MaxInFlight:  DefaultMaxInFlight,
	}
}

type result struct {
	resp *Response
	err  error
}

type pending struct {
	ctx        context.Context
	op         Operation
	lane       Lane
	enqueuedAt time.Time
	dispatches int
	done       chan result
}

// Scheduler dispatches operations within the configured budget.
type Scheduler struct {
	cfg    Config
	clock  Clock
	http   *http.Client
	logger zerolog.Logger
	sem    *semaphore.Weighted

	// notifyMu orders Stats snapshots with gauge updates and hook calls.
	notifyMu sync.Mutex

	mu            sync.Mutex
	lanes         [laneCount][]*pending
	dispatched    dispatchLog
	cooldownUntil time.Time
	inFlight      int
	closed        bool

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	backlogLog rate.Sometimes
}

// New creates a scheduler and starts its dispatch loop.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.InfraReserve < 0 {
		cfg.InfraReserve = 0
	}
	if cfg.InfraReserve >= cfg.Budget {
		cfg.InfraReserve = cfg.Budget - 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	logger := log.With().Str("component", "scheduler").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		clock:      cfg.Clock,
		http:       cfg.HTTPClient,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		backlogLog: rate.Sometimes{Interval: 5 * time.Second},
	}

	go s.run()
	return s
}

// Submit enqueues op and blocks until it is resolved. A 429 response is never
// returned; the operation is retried until the backend accepts it. Every other
// response, including 4xx and 5xx, is returned as is. Transport failures are
// returned as errors.
func (s *Scheduler) Submit(ctx context.Context, op Operation) (*Response, error) {
	if op.Method == "" {
		op.Method = http.MethodGet
	}
	if op.URL == "" {
		return nil, fmt.Errorf("operation url is required")
	}

	p := &pending{
		ctx:        ctx,
		op:         op,
		lane:       LaneFrom(ctx),
		enqueuedAt: s.clock.Now(),
		done:       make(chan result, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.lanes[p.lane] = append(s.lanes[p.lane], p)
	depth := s.queuedLocked()
	s.mu.Unlock()

	if depth > backlogWarnThreshold {
		s.backlogLog.Do(func() {
			s.logger.Warn().
				Int("queue_length", depth).
				Int("budget", s.cfg.Budget).
				Msg("Scheduler backlog growing")
		})
	}

	s.notify()
	s.signal()

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		s.signal()
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of the queue and the rate window.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.dispatched.prune(now, s.cfg.Window)
	w := s.windowLocked()

	st := Stats{
		UserQueued:       len(s.lanes[LaneUser]),
		InfraQueued:      len(s.lanes[LaneInfra]),
		CountThisWindow:  w.Count,
		Budget:           w.Budget,
		UntilWindowReset: w.ResetIn(now, s.cfg.Window),
		InFlight:         s.inFlight,
	}
	st.QueueLength = st.UserQueued + st.InfraQueued
	if now.Before(s.cooldownUntil) {
		st.CooldownRemaining = s.cooldownUntil.Sub(now)
	}
	return st
}

// Window returns the current rate window.
func (s *Scheduler) Window() RateWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched.prune(s.clock.Now(), s.cfg.Window)
	return s.windowLocked()
}

// ForceReset clears the rate window and any cooldown.
func (s *Scheduler) ForceReset() {
	s.mu.Lock()
	s.dispatched.reset()
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()

	s.logger.Info().Msg("Scheduler counters reset")
	s.notify()
	s.signal()
}

// Close stops the dispatch loop. Queued operations fail with ErrClosed;
// operations already in flight complete normally.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var dropped []*pending
		for lane := range s.lanes {
			dropped = append(dropped, s.lanes[lane]...)
			s.lanes[lane] = nil
		}
		s.mu.Unlock()

		s.cancel()
		<-s.done

		for _, p := range dropped {
			p.done <- result{err: ErrClosed}
		}
		s.notify()
	})
	return nil
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}

		p, wait := s.next()
		if p != nil {
			s.dispatch(p)
			continue
		}
		s.sem.Release(1)

		if !s.sleep(wait) {
			return
		}
	}
}

// sleep waits for a signal or for d to elapse (d <= 0 waits for a signal only).
// It returns false once the scheduler is closed.
func (s *Scheduler) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.ctx.Done():
			return false
		case <-s.wake:
			return true
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-s.wake:
	case <-t.C:
	}
	return true
}

// next pops the operation to dispatch and records the dispatch in the window.
// When nothing may be dispatched it returns the time to wait (0 = until signalled).
func (s *Scheduler) next() (*pending, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCancelledLocked()
	if s.queuedLocked() == 0 {
		return nil, 0
	}

	now := s.clock.Now()
	if now.Before(s.cooldownUntil) {
		return nil, s.cooldownUntil.Sub(now)
	}

	s.dispatched.prune(now, s.cfg.Window)
	if s.dispatched.count() >= s.cfg.Budget {
		wait := s.dispatched.oldest().Add(s.cfg.Window + s.cfg.Buffer).Sub(now)
		if wait <= 0 {
			wait = s.cfg.Buffer
		}
		return nil, wait
	}

	lane := s.pickLaneLocked()
	p := s.lanes[lane][0]
	s.lanes[lane][0] = nil
	s.lanes[lane] = s.lanes[lane][1:]

	s.dispatched.add(now, lane)
	s.inFlight++
	return p, 0
}

// pickLaneLocked prefers infra work until its reserve is used up in the
// current window; beyond that infra only runs when no user work waits.
func (s *Scheduler) pickLaneLocked() Lane {
	userWaiting := len(s.lanes[LaneUser]) > 0
	infraWaiting := len(s.lanes[LaneInfra]) > 0

	if infraWaiting && (!userWaiting || s.dispatched.countLane(LaneInfra) < s.cfg.InfraReserve) {
		return LaneInfra
	}
	return LaneUser
}

func (s *Scheduler) dropCancelledLocked() {
	for lane := range s.lanes {
		kept := s.lanes[lane][:0]
		for _, p := range s.lanes[lane] {
			if err := p.ctx.Err(); err != nil {
				p.done <- result{err: err}
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(s.lanes[lane]); i++ {
			s.lanes[lane][i] = nil
		}
		s.lanes[lane] = kept
	}
}

func (s *Scheduler) dispatch(p *pending) {
	p.dispatches++
	dispatchedTotal.WithLabelValues(p.lane.String()).Inc()
	if p.dispatches == 1 {
		queueWaitSeconds.WithLabelValues(p.lane.String()).Observe(s.clock.Now().Sub(p.enqueuedAt).Seconds())
	}

	s.logger.Debug().
		Str("method", p.op.Method).
		Str("url", p.op.URL).
		Str("lane", p.lane.String()).
		Int("dispatch", p.dispatches).
		Msg("Dispatching operation")

	s.notify()
	go s.execute(p)
}

func (s *Scheduler) execute(p *pending) {
	defer s.sem.Release(1)

	ctx, span := tracer.Start(p.ctx, "scheduler.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", p.op.Method),
			attribute.String("url.full", p.op.URL),
			attribute.String("scheduler.lane", p.lane.String()),
			attribute.Int("scheduler.dispatch", p.dispatches),
		))
	defer span.End()

	resp, err := s.roundTrip(ctx, p.op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}

	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		s.requeue(p, resp)
		return
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if resp != nil {
		resp.Dispatches = p.dispatches
	}
	p.done <- result{resp: resp, err: err}
	s.notify()
	s.signal()
}

// requeue puts a rate-limited operation back at the head of its lane and
// pauses dispatching for the cooldown.
func (s *Scheduler) requeue(p *pending, resp *Response) {
	now := s.clock.Now()
	cooldown := s.cfg.Cooldown
	if ra := retryAfter(resp.Header, now); ra > cooldown {
		cooldown = ra
	}

	rateLimitedTotal.WithLabelValues(p.lane.String()).Inc()

	s.mu.Lock()
	s.inFlight--
	if s.closed {
		s.mu.Unlock()
		p.done <- result{err: ErrClosed}
		return
	}
	if until := now.Add(cooldown); until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	s.lanes[p.lane] = append([]*pending{p}, s.lanes[p.lane]...)
	s.mu.Unlock()

	s.logger.Warn().
		Str("url", p.op.URL).
		Str("lane", p.lane.String()).
		Int("dispatch", p.dispatches).
		Dur("cooldown", cooldown).
		Msg("Rate limited by backend - operation requeued")

	s.notify()
	s.signal()
}

func (s *Scheduler) roundTrip(ctx context.Context, op Operation) (*Response, error) {
	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if op.Header != nil {
		req.Header = op.Header.Clone()
	}

	httpResp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// signal wakes the dispatch loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// notify refreshes the queue-depth indicators.
func (s *Scheduler) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	st := s.Stats()

	queueDepth.WithLabelValues(LaneUser.String()).Set(float64(st.UserQueued))
	queueDepth.WithLabelValues(LaneInfra.String()).Set(float64(st.InfraQueued))
	windowCount.Set(float64(st.CountThisWindow))
	inFlight.Set(float64(st.InFlight))

	if s.cfg.OnQueueChange != nil {
		s.cfg.OnQueueChange(st)
	}
}

func (s *Scheduler) queuedLocked() int {
	n := 0
	for lane := range s.lanes {
		n += len(s.lanes[lane])
	}
	return n
}

func (s *Scheduler) windowLocked() RateWindow {
	return RateWindow{
		Count:       s.dispatched.count(),
		WindowStart: s.dispatched.oldest(),
		Budget:      s.cfg.Budget,
	}
}
