package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/user/keypool/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPuzzle(t *testing.T, s *store.Store, code string, randomized bool) *store.Puzzle {
	t.Helper()
	p, err := s.SavePuzzle(context.Background(), store.Puzzle{
		Code:                code,
		DisplayName:         "Puzzle " + code,
		Enabled:             true,
		Randomized:          randomized,
		Weight:              1,
		MinPrefixHex:        "1000",
		MaxPrefixHex:        "100F",
		PrefixLength:        4,
		ChunkSize:           4,
		WorkloadStartSuffix: "000",
		WorkloadEndSuffix:   "FFF",
	})
	if err != nil {
		t.Fatalf("SavePuzzle: %v", err)
	}
	return p
}

func seedClient(t *testing.T, s *store.Store, user string) *store.Client {
	t.Helper()
	c, err := s.CreateClient(context.Background(), store.Client{User: user, ApplicationType: store.AppBitcrack})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return c
}

func assignRange(t *testing.T, s *store.Store, p *store.Puzzle, c *store.Client, start, end string) *store.Range {
	t.Helper()
	r, err := s.CreateAssignedRange(context.Background(), store.Range{
		PuzzleID:      p.ID,
		Puzzle:        p.Code,
		PrefixStart:   start,
		PrefixEnd:     end,
		RangeStartHex: start + p.WorkloadStartSuffix,
		RangeEndHex:   end + p.WorkloadEndSuffix,
		ChunkSize:     4,
	}, c.ID)
	if err != nil {
		t.Fatalf("CreateAssignedRange: %v", err)
	}
	return r
}

func TestSavePuzzleUpsertsByCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := seedPuzzle(t, s, "71", true)
	if first.Code != "71" || !first.Enabled {
		t.Fatalf("saved puzzle = %+v", first)
	}

	first.DisplayName = "renamed"
	first.Code = " 71 "
	second, err := s.SavePuzzle(ctx, *first)
	if err != nil {
		t.Fatalf("SavePuzzle: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("upsert changed id: %q -> %q", first.ID, second.ID)
	}
	if second.DisplayName != "renamed" {
		t.Errorf("display_name = %q, want renamed", second.DisplayName)
	}

	all, err := s.ListPuzzles(ctx)
	if err != nil {
		t.Fatalf("ListPuzzles: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(puzzles) = %d, want 1", len(all))
	}
}

func TestGetPuzzleByCodeCaseInsensitive(t *testing.T) {
	s := testStore(t)
	seedPuzzle(t, s, "ABC", false)

	p, err := s.GetPuzzleByCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetPuzzleByCode: %v", err)
	}
	if p.Code != "ABC" {
		t.Errorf("code = %q, want ABC", p.Code)
	}

	_, err = s.GetPuzzleByCode(context.Background(), "missing")
	if !store.IsNotFound(err) {
		t.Errorf("GetPuzzleByCode(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestListEnabledPuzzles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedPuzzle(t, s, "A", true)
	b := seedPuzzle(t, s, "B", true)
	b.Enabled = false
	if _, err := s.SavePuzzle(ctx, *b); err != nil {
		t.Fatalf("SavePuzzle: %v", err)
	}

	enabled, err := s.ListEnabledPuzzles(ctx)
	if err != nil {
		t.Fatalf("ListEnabledPuzzles: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Code != "A" {
		t.Errorf("enabled = %+v, want only A", enabled)
	}
}

func TestInsertPuzzlesIfEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seeds := []store.Puzzle{
		{Code: "71", MinPrefixHex: "40", MaxPrefixHex: "7F", PrefixLength: 2, ChunkSize: 1, Weight: 1, Enabled: true},
		{Code: "72", MinPrefixHex: "80", MaxPrefixHex: "FF", PrefixLength: 2, ChunkSize: 1, Weight: 1, Enabled: true},
	}

	n, err := s.InsertPuzzlesIfEmpty(ctx, seeds)
	if err != nil {
		t.Fatalf("InsertPuzzlesIfEmpty: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	n, err = s.InsertPuzzlesIfEmpty(ctx, seeds)
	if err != nil {
		t.Fatalf("second InsertPuzzlesIfEmpty: %v", err)
	}
	if n != 0 {
		t.Errorf("second insert = %d, want 0", n)
	}
}

func TestCursorLazyCreateAndMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", false)

	c, err := s.GetOrCreateCursor(ctx, p.ID, "1000")
	if err != nil {
		t.Fatalf("GetOrCreateCursor: %v", err)
	}
	if c.NextPrefixHex != "1000" {
		t.Errorf("cursor = %q, want 1000", c.NextPrefixHex)
	}

	moved, err := s.AdvanceCursor(ctx, p.ID, "1004")
	if err != nil || !moved {
		t.Fatalf("AdvanceCursor(1004) = %v, %v", moved, err)
	}
	moved, err = s.AdvanceCursor(ctx, p.ID, "1002")
	if err != nil {
		t.Fatalf("AdvanceCursor(1002): %v", err)
	}
	if moved {
		t.Error("cursor moved backwards")
	}
	moved, err = s.AdvanceCursor(ctx, p.ID, "10010")
	if err != nil || !moved {
		t.Fatalf("AdvanceCursor(10010) = %v, %v", moved, err)
	}

	// A second create keeps the stored value.
	c, err = s.GetOrCreateCursor(ctx, p.ID, "1000")
	if err != nil {
		t.Fatalf("GetOrCreateCursor: %v", err)
	}
	if c.NextPrefixHex != "10010" {
		t.Errorf("cursor = %q, want 10010", c.NextPrefixHex)
	}
}

func TestCreateAssignedRangeBindsClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")

	r := assignRange(t, s, p, c, "1004", "1007")
	if r.Status != store.RangeAssigned {
		t.Errorf("status = %q, want assigned", r.Status)
	}

	got, err := s.GetClient(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.CurrentRangeID == nil || *got.CurrentRangeID != r.ID {
		t.Errorf("current_range_id = %v, want %s", got.CurrentRangeID, r.ID)
	}
	if got.Status != store.ClientScanning {
		t.Errorf("client status = %q, want scanning", got.Status)
	}
	if got.Puzzle != "71" {
		t.Errorf("client puzzle = %q, want 71", got.Puzzle)
	}

	exists, err := s.RangeExists(ctx, p.ID, "1004")
	if err != nil || !exists {
		t.Errorf("RangeExists = %v, %v", exists, err)
	}
}

func TestCreateAssignedRangeConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	a := seedClient(t, s, "alice")
	b := seedClient(t, s, "bob")

	assignRange(t, s, p, a, "1000", "1003")
	_, err := s.CreateAssignedRange(ctx, store.Range{
		PuzzleID: p.ID, Puzzle: p.Code, PrefixStart: "1000", PrefixEnd: "1003", ChunkSize: 4,
	}, b.ID)
	if !store.IsConflict(err) {
		t.Fatalf("duplicate insert error = %v, want CONFLICT", err)
	}

	// The failed transaction must not bind the second client.
	got, err := s.GetClient(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.CurrentRangeID != nil {
		t.Errorf("bob bound to %s after conflict", *got.CurrentRangeID)
	}
}

func TestAuthenticateClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := seedClient(t, s, "alice")

	got, err := s.AuthenticateClient(ctx, c.ID, c.APIKey)
	if err != nil {
		t.Fatalf("AuthenticateClient: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("id = %q, want %q", got.ID, c.ID)
	}

	cases := []struct{ id, token string }{
		{c.ID, "wrong"},
		{c.ID, ""},
		{"nope", c.APIKey},
	}
	for _, tc := range cases {
		if _, err := s.AuthenticateClient(ctx, tc.id, tc.token); !store.IsUnauthorized(err) {
			t.Errorf("AuthenticateClient(%q, %q) error = %v, want UNAUTHORIZED", tc.id, tc.token, err)
		}
	}
}

func TestCreateClientRequiresUser(t *testing.T) {
	s := testStore(t)
	_, err := s.CreateClient(context.Background(), store.Client{User: "  "})
	if !store.IsValidationError(err) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestApplyProgressPartial(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")

	speed := 1234.5
	cards := 2
	updated, completed, err := s.ApplyProgress(ctx, store.ProgressUpdate{
		ClientID: c.ID, RangeID: r.ID, ProgressPercent: 42, Speed: &speed, CardsConnected: &cards,
	})
	if err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}
	if completed {
		t.Error("42% reported as completed")
	}
	if updated.ProgressPercent != 42 || updated.ReportedSpeed != speed {
		t.Errorf("range = %+v", updated)
	}

	got, _ := s.GetClient(ctx, c.ID)
	if got.CurrentRangeID == nil || *got.CurrentRangeID != r.ID {
		t.Error("client released on partial progress")
	}
	if got.SpeedKeysPerSecond != speed || got.CardsConnected != 2 {
		t.Errorf("client speed/cards = %v/%d", got.SpeedKeysPerSecond, got.CardsConnected)
	}
}

func TestApplyProgressClampsAndCompletes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")

	updated, completed, err := s.ApplyProgress(ctx, store.ProgressUpdate{
		ClientID: c.ID, RangeID: r.ID, ProgressPercent: 250,
	})
	if err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}
	if !completed || updated.Status != store.RangeCompleted || updated.ProgressPercent != 100 {
		t.Errorf("range = %+v, completed = %v", updated, completed)
	}
	if updated.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	got, _ := s.GetClient(ctx, c.ID)
	if got.CurrentRangeID != nil {
		t.Error("client still bound after completion")
	}
	if got.Status != store.ClientCompleted {
		t.Errorf("client status = %q, want completed", got.Status)
	}
}

func TestApplyProgressMarkComplete(t *testing.T) {
	s := testStore(t)
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")

	updated, completed, err := s.ApplyProgress(context.Background(), store.ProgressUpdate{
		ClientID: c.ID, RangeID: r.ID, ProgressPercent: -5, MarkComplete: true,
	})
	if err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}
	if !completed || updated.ProgressPercent != 100 {
		t.Errorf("mark_complete ignored: %+v", updated)
	}
}

func TestApplyProgressNotOwned(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	a := seedClient(t, s, "alice")
	b := seedClient(t, s, "bob")
	r := assignRange(t, s, p, a, "1000", "1003")

	_, _, err := s.ApplyProgress(ctx, store.ProgressUpdate{ClientID: b.ID, RangeID: r.ID, ProgressPercent: 50})
	if !store.IsNotOwned(err) {
		t.Errorf("error = %v, want NOT_OWNED", err)
	}
	_, _, err = s.ApplyProgress(ctx, store.ProgressUpdate{ClientID: a.ID, RangeID: "missing", ProgressPercent: 50})
	if !store.IsNotFound(err) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestRecordKeyFindForcesCompletion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")

	if _, _, err := s.ApplyProgress(ctx, store.ProgressUpdate{ClientID: c.ID, RangeID: r.ID, ProgressPercent: 10}); err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}

	ev, err := s.RecordKeyFind(ctx, store.KeyFindEvent{
		ClientID: c.ID, RangeID: &r.ID, Puzzle: "71", User: "alice", WorkerName: "alice", PrivateKey: "DEADBEEF",
	})
	if err != nil {
		t.Fatalf("RecordKeyFind: %v", err)
	}
	if ev.ID == "" || ev.ReportedAt.IsZero() {
		t.Errorf("event = %+v", ev)
	}

	got, err := s.GetRange(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if got.Status != store.RangeCompleted || got.ProgressPercent != 100 {
		t.Errorf("range = %+v, want completed at 100", got)
	}
	client, _ := s.GetClient(ctx, c.ID)
	if client.CurrentRangeID != nil || client.Status != store.ClientCompleted {
		t.Errorf("client = %+v, want released", client)
	}

	counts, err := s.CountKeyFindsByPuzzle(ctx)
	if err != nil {
		t.Fatalf("CountKeyFindsByPuzzle: %v", err)
	}
	if counts["71"] != 1 {
		t.Errorf("key finds for 71 = %d, want 1", counts["71"])
	}
}

func TestApplyProgressAfterKeyFindKeepsRangeCompleted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")

	if _, err := s.RecordKeyFind(ctx, store.KeyFindEvent{
		ClientID: c.ID, RangeID: &r.ID, Puzzle: "71", User: "alice", WorkerName: "alice", PrivateKey: "DEADBEEF",
	}); err != nil {
		t.Fatalf("RecordKeyFind: %v", err)
	}

	speed := 250.0
	got, completed, err := s.ApplyProgress(ctx, store.ProgressUpdate{
		ClientID: c.ID, RangeID: r.ID, ProgressPercent: 10, Speed: &speed,
	})
	if err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}
	if completed {
		t.Error("late report counted as a new completion")
	}
	if got.Status != store.RangeCompleted || got.ProgressPercent != 100 {
		t.Errorf("returned range = %+v, want completed at 100", got)
	}

	stored, err := s.GetRange(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if stored.Status != store.RangeCompleted || stored.ProgressPercent != 100 {
		t.Errorf("stored range = %+v, want completed at 100", stored)
	}

	client, err := s.GetClient(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if client.CurrentRangeID != nil || client.Status != store.ClientCompleted {
		t.Errorf("client = %+v, want released and completed", client)
	}
	if client.SpeedKeysPerSecond != 250 {
		t.Errorf("client speed = %v, want 250", client.SpeedKeysPerSecond)
	}
}

func TestRecordKeyFindRequiresValue(t *testing.T) {
	s := testStore(t)
	c := seedClient(t, s, "alice")
	_, err := s.RecordKeyFind(context.Background(), store.KeyFindEvent{ClientID: c.ID})
	if !store.IsValidationError(err) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestKeyFindCountsCaseInsensitive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := seedClient(t, s, "alice")
	for _, code := range []string{"abc", "ABC", " Abc "} {
		if _, err := s.RecordKeyFind(ctx, store.KeyFindEvent{ClientID: c.ID, Puzzle: code, PrivateKey: "01"}); err != nil {
			t.Fatalf("RecordKeyFind: %v", err)
		}
	}
	counts, err := s.CountKeyFindsByPuzzle(ctx)
	if err != nil {
		t.Fatalf("CountKeyFindsByPuzzle: %v", err)
	}
	if counts["ABC"] != 3 {
		t.Errorf("counts = %v, want ABC=3", counts)
	}

	events, err := s.ListKeyFinds(ctx, 2)
	if err != nil {
		t.Fatalf("ListKeyFinds: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}
}

func TestDeletePuzzleCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", false)
	c := seedClient(t, s, "alice")
	r := assignRange(t, s, p, c, "1000", "1003")
	if _, err := s.GetOrCreateCursor(ctx, p.ID, "1004"); err != nil {
		t.Fatalf("GetOrCreateCursor: %v", err)
	}

	if err := s.DeletePuzzle(ctx, "71"); err != nil {
		t.Fatalf("DeletePuzzle: %v", err)
	}
	if _, err := s.GetRange(ctx, r.ID); !store.IsNotFound(err) {
		t.Errorf("range survived puzzle delete: %v", err)
	}
	client, _ := s.GetClient(ctx, c.ID)
	if client.CurrentRangeID != nil {
		t.Error("client still points at deleted range")
	}
	if err := s.DeletePuzzle(ctx, "71"); !store.IsNotFound(err) {
		t.Errorf("second delete error = %v, want NOT_FOUND", err)
	}
}

func TestListActiveRangesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	p := seedPuzzle(t, s, "71", true)
	a := seedClient(t, s, "alice")
	b := seedClient(t, s, "bob")
	ra := assignRange(t, s, p, a, "1000", "1003")
	now = base.Add(time.Second)
	rb := assignRange(t, s, p, b, "1004", "1007")

	active, err := s.ListActiveRanges(ctx, 25)
	if err != nil {
		t.Fatalf("ListActiveRanges: %v", err)
	}
	if len(active) != 2 || active[0].ID != rb.ID || active[1].ID != ra.ID {
		t.Fatalf("active order = %+v", active)
	}
	if active[0].ClientName != "bob" {
		t.Errorf("client name = %q, want bob", active[0].ClientName)
	}

	now = base.Add(2 * time.Second)
	if _, _, err := s.ApplyProgress(ctx, store.ProgressUpdate{ClientID: b.ID, RangeID: rb.ID, ProgressPercent: 100}); err != nil {
		t.Fatalf("ApplyProgress: %v", err)
	}
	active, _ = s.ListActiveRanges(ctx, 25)
	if len(active) != 1 || active[0].ID != ra.ID {
		t.Errorf("active after completion = %+v", active)
	}

	counts, err := s.CountRangesByPuzzle(ctx)
	if err != nil {
		t.Fatalf("CountRangesByPuzzle: %v", err)
	}
	if got := counts[p.ID]; got.Completed != 1 || got.InProgress != 1 {
		t.Errorf("counts = %+v, want 1 completed, 1 in progress", got)
	}
}

func TestListClientsWithRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedPuzzle(t, s, "71", true)
	a := seedClient(t, s, "alice")
	seedClient(t, s, "bob")
	assignRange(t, s, p, a, "1008", "100B")

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("len(clients) = %d, want 2", len(clients))
	}
	if clients[0].User != "alice" || clients[0].CurrentRange == nil || clients[0].CurrentRange.PrefixStart != "1008" {
		t.Errorf("alice = %+v", clients[0])
	}
	if clients[1].CurrentRange != nil {
		t.Errorf("bob has range %+v", clients[1].CurrentRange)
	}
}
