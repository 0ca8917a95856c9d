package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/metrics"
)

type fakeSource struct {
	ov    *coordinator.Overview
	err   error
	calls int
}

func (f *fakeSource) Overview(context.Context) (*coordinator.Overview, error) {
	f.calls++
	return f.ov, f.err
}

func scrape(t *testing.T, m *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRunOnceRefreshesGauges(t *testing.T) {
	src := &fakeSource{ov: &coordinator.Overview{
		WorkersOnline:           3,
		TotalSpeedKeysPerSecond: 4500,
		Puzzles: []coordinator.PuzzleStats{
			{Code: "71", PercentageSearched: 12.5},
			{Code: "SEQ", PercentageSearched: 100},
		},
	}}
	m := metrics.New()
	New(src, m, DefaultConfig()).RunOnce(context.Background())

	body := scrape(t, m)
	for _, want := range []string{
		`keypool_puzzle_searched_percent{puzzle="71"} 12.5`,
		`keypool_puzzle_searched_percent{puzzle="SEQ"} 100`,
		`keypool_workers_online 3`,
		`keypool_fleet_speed_keys_per_second 4500`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestDeletedPuzzleGaugeIsDropped(t *testing.T) {
	src := &fakeSource{ov: &coordinator.Overview{Puzzles: []coordinator.PuzzleStats{{Code: "OLD", PercentageSearched: 1}}}}
	m := metrics.New()
	sched := New(src, m, DefaultConfig())
	sched.RunOnce(context.Background())

	src.ov = &coordinator.Overview{Puzzles: []coordinator.PuzzleStats{{Code: "NEW", PercentageSearched: 2}}}
	sched.RunOnce(context.Background())

	body := scrape(t, m)
	if strings.Contains(body, `puzzle="OLD"`) {
		t.Error("gauge for removed puzzle still exported")
	}
	if !strings.Contains(body, `keypool_puzzle_searched_percent{puzzle="NEW"} 2`) {
		t.Error("gauge for new puzzle missing")
	}
}

func TestTickRespectsStatsInterval(t *testing.T) {
	src := &fakeSource{ov: &coordinator.Overview{}}
	sched := New(src, nil, Config{Interval: time.Millisecond, StatsInterval: time.Hour})

	sched.RunOnce(context.Background())
	sched.tick(context.Background(), false)
	if src.calls != 1 {
		t.Errorf("overview calls = %d, want 1", src.calls)
	}
}

func TestRefreshErrorIsNotFatal(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	sched := New(src, nil, DefaultConfig())
	sched.RunOnce(context.Background())
	if src.calls != 1 {
		t.Errorf("overview calls = %d, want 1", src.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{ov: &coordinator.Overview{}}
	sched := New(src, nil, Config{Interval: time.Millisecond, StatsInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
