package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// arrivalServer records the arrival time and path of every request.
type arrivalServer struct {
	*httptest.Server
	mu       sync.Mutex
	arrivals []arrival
	handler  func(w http.ResponseWriter, r *http.Request)
}

type arrival struct {
	at   time.Time
	path string
	lane string
}

func newArrivalServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *arrivalServer {
	t.Helper()
	s := &arrivalServer{handler: handler}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.arrivals = append(s.arrivals, arrival{at: time.Now(), path: r.URL.Path, lane: r.Header.Get("X-Test-Lane")})
		s.mu.Unlock()
		if s.handler != nil {
			s.handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *arrivalServer) snapshot() []arrival {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]arrival, len(s.arrivals))
	copy(out, s.arrivals)
	return out
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := New(cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_Defaults(t *testing.T) {
	s := newTestScheduler(t, Config{})

	if s.cfg.Budget != DefaultBudget {
		t.Errorf("Budget = %d, want %d", s.cfg.Budget, DefaultBudget)
	}
	if s.cfg.Window != DefaultWindow {
		t.Errorf("Window = %v, want %v", s.cfg.Window, DefaultWindow)
	}
	if s.cfg.Cooldown != DefaultCooldown {
		t.Errorf("Cooldown = %v, want %v", s.cfg.Cooldown, DefaultCooldown)
	}
	if s.cfg.MaxInFlight != DefaultMaxInFlight {
		t.Errorf("MaxInFlight = %d, want %d", s.cfg.MaxInFlight, DefaultMaxInFlight)
	}
}

func TestNew_ClampsInfraReserve(t *testing.T) {
	s := newTestScheduler(t, Config{Budget: 2, InfraReserve: 5})
	if s.cfg.InfraReserve != 1 {
		t.Errorf("InfraReserve = %d, want 1", s.cfg.InfraReserve)
	}
}

func TestSubmit_RequiresURL(t *testing.T) {
	s := newTestScheduler(t, Config{})
	if _, err := s.Submit(context.Background(), Operation{}); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestSubmit_BurstRespectsBudget(t *testing.T) {
	const (
		budget = 6
		total  = 10
		window = 400 * time.Millisecond
	)
	srv := newArrivalServer(t, nil)
	s := newTestScheduler(t, Config{Budget: budget, Window: window, Buffer: 20 * time.Millisecond})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Submit(context.Background(), Operation{URL: srv.URL + "/op"})
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	arrivals := srv.snapshot()
	if len(arrivals) != total {
		t.Fatalf("arrivals = %d, want %d", len(arrivals), total)
	}

	early, late := 0, 0
	for _, a := range arrivals {
		if a.at.Sub(start) < window {
			early++
		} else {
			late++
		}
	}
	if early != budget {
		t.Errorf("dispatched in first window = %d, want %d", early, budget)
	}
	if late != total-budget {
		t.Errorf("dispatched after first window = %d, want %d", late, total-budget)
	}

	// No trailing window may contain more than budget arrivals.
	for i := range arrivals {
		n := 0
		for j := range arrivals {
			d := arrivals[j].at.Sub(arrivals[i].at)
			if d >= 0 && d < window-10*time.Millisecond {
				n++
			}
		}
		if n > budget {
			t.Errorf("window starting at arrival %d holds %d dispatches, budget %d", i, n, budget)
		}
	}
}

func TestSubmit_RateLimitRequeuesAtHead(t *testing.T) {
	var limited atomic.Bool
	srv := newArrivalServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" && limited.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	cooldown := 150 * time.Millisecond
	s := newTestScheduler(t, Config{Budget: 10, Cooldown: cooldown, MaxInFlight: 1})

	ctx := context.Background()
	start := time.Now()

	resA := make(chan *Response, 1)
	go func() {
		resp, err := s.Submit(ctx, Operation{URL: srv.URL + "/a"})
		if err != nil {
			t.Errorf("Submit /a failed: %v", err)
		}
		resA <- resp
	}()

	// Give /a a head start so it is dispatched first.
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Submit(ctx, Operation{URL: srv.URL + "/b"}); err != nil {
		t.Fatalf("Submit /b failed: %v", err)
	}

	resp := <-resA
	if resp == nil {
		t.Fatal("no response for /a")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (429 must not be forwarded)", resp.StatusCode)
	}
	if resp.Dispatches != 2 {
		t.Errorf("Dispatches = %d, want 2", resp.Dispatches)
	}

	arrivals := srv.snapshot()
	paths := make([]string, len(arrivals))
	for i, a := range arrivals {
		paths[i] = a.path
	}
	want := []string{"/a", "/a", "/b"}
	if len(paths) != len(want) {
		t.Fatalf("arrival order = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("arrival order = %v, want %v", paths, want)
		}
	}

	if gap := arrivals[1].at.Sub(arrivals[0].at); gap < cooldown-10*time.Millisecond {
		t.Errorf("redispatch after %v, want >= %v cooldown", gap, cooldown)
	}
	if time.Since(start) < cooldown {
		t.Errorf("completed before cooldown elapsed")
	}
}

func TestSubmit_HonoursRetryAfter(t *testing.T) {
	var limited atomic.Bool
	srv := newArrivalServer(t, func(w http.ResponseWriter, r *http.Request) {
		if limited.CompareAndSwap(false, true) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	s := newTestScheduler(t, Config{Cooldown: 10 * time.Millisecond})

	start := time.Now()
	resp, err := s.Submit(context.Background(), Operation{URL: srv.URL})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("elapsed %v, want Retry-After of 1s honoured", elapsed)
	}
}

func TestSubmit_ForwardsOtherOutcomes(t *testing.T) {
	srv := newArrivalServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	s := newTestScheduler(t, Config{})

	resp, err := s.Submit(context.Background(), Operation{URL: srv.URL})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if string(resp.Body) != "boom" {
		t.Errorf("body = %q, want boom", resp.Body)
	}

	// Transport failure.
	_, err = s.Submit(context.Background(), Operation{URL: "http://127.0.0.1:1/unreachable"})
	if err == nil {
		t.Error("expected transport error")
	}

	// The queue keeps working after failures.
	srv2 := newArrivalServer(t, nil)
	if _, err := s.Submit(context.Background(), Operation{URL: srv2.URL}); err != nil {
		t.Errorf("Submit after failure: %v", err)
	}
}

func TestSubmit_SendsOperationPayload(t *testing.T) {
	var gotMethod, gotBody, gotHeader string
	srv := newArrivalServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusCreated)
	})
	s := newTestScheduler(t, Config{})

	op := Operation{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: http.Header{"X-Test": []string{"yes"}},
		Body:   []byte(`{"a":1}`),
	}
	resp, err := s.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if gotMethod != http.MethodPost || gotHeader != "yes" || gotBody != `{"a":1}` {
		t.Errorf("server saw method=%s header=%s body=%s", gotMethod, gotHeader, gotBody)
	}
}

func TestSubmit_InfraLaneCannotStarveUsers(t *testing.T) {
	srv := newArrivalServer(t, nil)
	s := newTestScheduler(t, Config{Budget: 4, InfraReserve: 1, Window: 300 * time.Millisecond, Buffer: 10 * time.Millisecond})

	submit := func(lane Lane, wg *sync.WaitGroup) {
		defer wg.Done()
		ctx := WithLane(context.Background(), lane)
		op := Operation{URL: srv.URL, Header: http.Header{"X-Test-Lane": []string{lane.String()}}}
		if _, err := s.Submit(ctx, op); err != nil {
			t.Errorf("Submit(%s) failed: %v", lane, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go submit(LaneInfra, &wg)
	}
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go submit(LaneUser, &wg)
	}
	wg.Wait()

	arrivals := srv.snapshot()
	lastUser, lastInfra := -1, -1
	for i, a := range arrivals {
		switch a.lane {
		case "user":
			lastUser = i
		case "infra":
			lastInfra = i
		}
	}
	if lastUser < 0 || lastInfra < 0 {
		t.Fatalf("missing lanes in arrivals: %+v", arrivals)
	}
	if lastUser > lastInfra {
		t.Errorf("last user op arrived at %d after last infra op at %d; infra starved users", lastUser, lastInfra)
	}
}

func TestStatsAndForceReset(t *testing.T) {
	srv := newArrivalServer(t, nil)
	s := newTestScheduler(t, Config{Budget: 2, Window: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Submit(ctx, Operation{URL: srv.URL}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	st := s.Stats()
	if st.CountThisWindow != 2 {
		t.Errorf("CountThisWindow = %d, want 2", st.CountThisWindow)
	}
	if st.UntilWindowReset <= 0 {
		t.Errorf("UntilWindowReset = %v, want > 0", st.UntilWindowReset)
	}
	if !s.Window().Exhausted() {
		t.Error("window should be exhausted")
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, Operation{URL: srv.URL})
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for s.Stats().QueueLength != 1 {
		if time.Now().After(deadline) {
			t.Fatal("operation never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.ForceReset()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Submit after reset failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ForceReset did not release the queued operation")
	}
}

func TestSubmit_ContextCancelledWhileQueued(t *testing.T) {
	srv := newArrivalServer(t, nil)
	s := newTestScheduler(t, Config{Budget: 1, Window: 10 * time.Second})

	if _, err := s.Submit(context.Background(), Operation{URL: srv.URL}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, Operation{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.Stats().QueueLength != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled operation stayed queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(srv.snapshot()); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestClose_FailsQueuedOperations(t *testing.T) {
	srv := newArrivalServer(t, nil)
	s := New(Config{Budget: 1, Window: 10 * time.Second})

	if _, err := s.Submit(context.Background(), Operation{URL: srv.URL}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), Operation{URL: srv.URL})
		done <- err
	}()
	for s.Stats().QueueLength != 1 {
		time.Sleep(5 * time.Millisecond)
	}

	s.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Errorf("queued err = %v, want ErrClosed", err)
	}
	if _, err := s.Submit(context.Background(), Operation{URL: srv.URL}); !errors.Is(err, ErrClosed) {
		t.Errorf("submit after close err = %v, want ErrClosed", err)
	}
}

func TestOnQueueChange(t *testing.T) {
	srv := newArrivalServer(t, nil)

	var calls atomic.Int32
	var maxQueued atomic.Int32
	s := newTestScheduler(t, Config{
		Budget: 1,
		Window: 100 * time.Millisecond,
		OnQueueChange: func(st Stats) {
			calls.Add(1)
			if q := int32(st.QueueLength); q > maxQueued.Load() {
				maxQueued.Store(q)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(context.Background(), Operation{URL: srv.URL})
		}()
	}
	wg.Wait()

	if calls.Load() < 9 {
		t.Errorf("OnQueueChange called %d times, want at least 9 (enqueue, dispatch, completion)", calls.Load())
	}
	if maxQueued.Load() < 1 {
		t.Errorf("max observed queue length = %d, want >= 1", maxQueued.Load())
	}
}

func TestOnQueueChange_Serialized(t *testing.T) {
	srv := newArrivalServer(t, nil)

	var active, overlaps, calls atomic.Int32
	s := newTestScheduler(t, Config{
		Budget:      20,
		Window:      100 * time.Millisecond,
		MaxInFlight: 8,
		OnQueueChange: func(Stats) {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			calls.Add(1)
			time.Sleep(100 * time.Microsecond)
			active.Add(-1)
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(context.Background(), Operation{URL: srv.URL})
		}()
	}
	wg.Wait()

	if calls.Load() == 0 {
		t.Fatal("OnQueueChange never called")
	}
	if overlaps.Load() != 0 {
		t.Errorf("OnQueueChange overlapped %d times, want 0", overlaps.Load())
	}
}

func TestSubmit_InvalidRequest(t *testing.T) {
	srv := newArrivalServer(t, nil)
	s := newTestScheduler(t, Config{})

	_, err := s.Submit(context.Background(), Operation{Method: "BAD METHOD", URL: srv.URL})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Submit() error = %v, want ErrInvalidRequest", err)
	}
	if n := len(srv.snapshot()); n != 0 {
		t.Errorf("requests sent = %d, want 0", n)
	}
}
