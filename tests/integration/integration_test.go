package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/keypool/internal/allocator"
	"github.com/user/keypool/internal/config"
	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/metrics"
	"github.com/user/keypool/internal/notify"
	"github.com/user/keypool/internal/scheduler"
	"github.com/user/keypool/internal/server"
	"github.com/user/keypool/internal/store"
	"github.com/user/keypool/pkg/client"
)

const adminKey = "integration-admin"

// testEnv holds a fully wired test stack.
type testEnv struct {
	url        string
	admin      *client.Client
	sched      *scheduler.Scheduler
	metrics    *metrics.Collector
	dispatcher *notify.Dispatcher
	hooks      *hookRecorder
}

type hookRecorder struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.sigs = append(h.sigs, r.Header.Get("X-Keypool-Signature"))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() { s.Close() })

	hooks := &hookRecorder{}
	hookSrv := httptest.NewServer(hooks)
	t.Cleanup(hookSrv.Close)

	m := metrics.New()
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{RetryBase: time.Millisecond}, m,
		notify.NewWebhookSender(hookSrv.URL, "hook-secret"))

	opts := config.Default()
	engine := allocator.New(s, allocator.Options{Seeds: opts.SeedDefinitions(), Metrics: m})
	svc := coordinator.New(s, engine, coordinator.Config{
		DefaultPuzzle: opts.Puzzle,
		Notifier:      dispatcher,
		Metrics:       m,
	})
	sched := scheduler.New(svc, m, scheduler.DefaultConfig())
	srv := server.New(svc, m, server.Config{AdminKey: adminKey})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		url:        ts.URL,
		admin:      client.New(ts.URL, client.WithAdminKey(adminKey)),
		sched:      sched,
		metrics:    m,
		dispatcher: dispatcher,
		hooks:      hooks,
	}
}

func (e *testEnv) worker(t *testing.T, user string) *client.Client {
	t.Helper()
	c := client.New(e.url)
	if _, err := c.Register(context.Background(), coordinator.RegisterRequest{User: user, CardsConnected: 1}); err != nil {
		t.Fatalf("Register %s: %v", user, err)
	}
	return c
}

func (e *testEnv) createPuzzle(t *testing.T, code, lo, hi string, chunk int64, randomized bool) {
	t.Helper()
	_, err := e.admin.UpsertPuzzle(context.Background(), code, coordinator.PuzzleInput{
		MinPrefixHex:        lo,
		MaxPrefixHex:        hi,
		ChunkSize:           &chunk,
		Randomized:          &randomized,
		TargetAddress:       "1Target" + code,
		WorkloadStartSuffix: "00",
		WorkloadEndSuffix:   "FF",
	})
	if err != nil {
		t.Fatalf("UpsertPuzzle %s: %v", code, err)
	}
}

// drain has a worker claim and complete ranges until the pool runs dry,
// returning the prefixes it covered.
func drain(ctx context.Context, c *client.Client) ([]string, error) {
	var covered []string
	d, err := c.Claim(ctx)
	for err == nil && d != nil {
		covered = append(covered, d.PrefixStart)
		var res *coordinator.ReportResult
		res, err = c.Report(ctx, coordinator.ReportRequest{RangeID: d.RangeID, ProgressPercent: 100})
		if err != nil {
			break
		}
		d = res.NextRange
	}
	return covered, err
}

func TestConcurrentWorkersCoverSequentialPool(t *testing.T) {
	env := setup(t)
	env.createPuzzle(t, "SEQ", "000", "0FF", 4, false)

	const workers = 12
	clients := make([]*client.Client, workers)
	for i := range clients {
		clients[i] = env.worker(t, fmt.Sprintf("user-%d", i))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			covered, err := drain(context.Background(), c)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			for _, p := range covered {
				seen[p]++
			}
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}

	if len(seen) != 64 {
		t.Errorf("covered %d distinct chunks, want 64", len(seen))
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("prefix %s handed out %d times", p, n)
		}
	}

	ov, err := env.admin.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(ov.Puzzles) != 1 || ov.Puzzles[0].PercentageSearched != 100 {
		t.Errorf("overview puzzles = %+v", ov.Puzzles)
	}
	if len(ov.ActiveRanges) != 0 {
		t.Errorf("active ranges = %d, want 0", len(ov.ActiveRanges))
	}
}

func TestConcurrentWorkersRandomPoolNoOverlap(t *testing.T) {
	env := setup(t)
	env.createPuzzle(t, "RND", "0000", "03FF", 4, true)

	const workers = 8
	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		c := env.worker(t, fmt.Sprintf("rnd-%d", i))
		wg.Add(1)
		go func(name string, c *client.Client) {
			defer wg.Done()
			ctx := context.Background()
			for j := 0; j < 10; j++ {
				d, err := c.Claim(ctx)
				if err != nil || d == nil {
					t.Errorf("%s claim: %v", name, err)
					return
				}
				mu.Lock()
				if prev, ok := seen[d.PrefixStart]; ok {
					t.Errorf("prefix %s given to %s and %s", d.PrefixStart, prev, name)
				}
				seen[d.PrefixStart] = name
				mu.Unlock()
				if _, err := c.Report(ctx, coordinator.ReportRequest{RangeID: d.RangeID, ProgressPercent: 100}); err != nil {
					t.Errorf("%s report: %v", name, err)
					return
				}
			}
		}(fmt.Sprintf("rnd-%d", i), c)
	}
	wg.Wait()

	if len(seen) != workers*10 {
		t.Errorf("distinct prefixes = %d, want %d", len(seen), workers*10)
	}
}

func TestKeyFoundDeliversWebhook(t *testing.T) {
	env := setup(t)
	env.createPuzzle(t, "66", "2000", "3FFF", 16, false)
	c := env.worker(t, "finder")

	d, err := c.Claim(context.Background())
	if err != nil || d == nil {
		t.Fatalf("Claim: %v, %v", d, err)
	}
	res, err := c.ReportKeyFound(context.Background(), coordinator.KeyFoundRequest{RangeID: d.RangeID, PrivateKey: "SECRETKEY"})
	if err != nil {
		t.Fatalf("ReportKeyFound: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.dispatcher.Close(ctx); err != nil {
		t.Fatalf("dispatcher close: %v", err)
	}

	env.hooks.mu.Lock()
	defer env.hooks.mu.Unlock()
	if len(env.hooks.bodies) != 1 {
		t.Fatalf("webhook calls = %d, want 1", len(env.hooks.bodies))
	}
	body := env.hooks.bodies[0]
	if strings.Contains(string(body), "SECRETKEY") {
		t.Error("webhook payload leaked the private key")
	}
	if env.hooks.sigs[0] != notify.Sign("hook-secret", body) {
		t.Error("webhook signature mismatch")
	}
	var payload struct {
		Event string          `json:"event"`
		Data  notify.KeyFound `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if payload.Event != "key_found" || payload.Data.EventID != res.EventID || payload.Data.PrefixStart != d.PrefixStart {
		t.Errorf("webhook payload = %+v", payload)
	}

	events, err := env.admin.ListKeyFinds(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListKeyFinds: %v", err)
	}
	if len(events) != 1 || events[0].PrivateKey != "SECRETKEY" {
		t.Errorf("key finds = %+v", events)
	}
}

func TestSchedulerPublishesPoolGauges(t *testing.T) {
	env := setup(t)
	env.createPuzzle(t, "G", "00", "0F", 4, false)
	c := env.worker(t, "gauge")
	if _, err := drain(context.Background(), c); err != nil {
		t.Fatalf("drain: %v", err)
	}

	env.sched.RunOnce(context.Background())

	resp, err := http.Get(env.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`keypool_puzzle_searched_percent{puzzle="G"} 100`,
		`keypool_ranges_completed_total{puzzle="G"} 4`,
		`keypool_workers_online 1`,
	} {
		if !strings.Contains(string(out), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
