package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/models"
)


// scriptedSearcher answers each keyword with one station named after it.
// Keywords listed in block wait until released.
type scriptedSearcher struct {
	mu    sync.Mutex
	calls []string
	block map[string]chan struct{}
	err   error
}

func (s *scriptedSearcher) Search(ctx context.Context, keyword string) ([]models.Station, error) {
	s.mu.Lock()
	s.calls = append(s.calls, keyword)
	wait := s.block[keyword]
	err := s.err
	s.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []models.Station{{UID: len(keyword), Name: keyword}}, nil
}

func (s *scriptedSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSearcher) keywords() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestDebouncer_OnlyLastInputInWindowSearches covers rapid typing within one window.
func TestDebouncer_OnlyLastInputInWindowSearches(t *testing.T) {
	s := &scriptedSearcher{}
	d := New(s, 40*time.Millisecond, zap.NewNop())
	defer d.Close()

	for _, text := range []string{"d", "de", "del", "delh", " delhi "} {
		d.OnInput(text)
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return !d.State().Searching && len(d.State().Results) == 1 })

	if got := s.keywords(); len(got) != 1 || got[0] != "delhi" {
		t.Errorf("searches = %v, want [delhi]", got)
	}
	st := d.State()
	if st.Results[0].Name != "delhi" || st.Err != "" || st.Query != " delhi " {
		t.Errorf("State() = %+v", st)
	}
}

// TestDebouncer_StaleResponseDiscarded covers a slow earlier query finishing after a newer one.
func TestDebouncer_StaleResponseDiscarded(t *testing.T) {
	slow := make(chan struct{})
	s := &scriptedSearcher{block: map[string]chan struct{}{"del": slow}}
	d := New(s, 10*time.Millisecond, zap.NewNop())
	defer d.Close()

	d.OnInput("del")
	waitFor(t, func() bool { return s.callCount() == 1 })

	d.OnInput("delhi")
	waitFor(t, func() bool { return len(d.State().Results) == 1 })
	if d.State().Results[0].Name != "delhi" {
		t.Fatalf("Results = %+v, want delhi", d.State().Results)
	}

	close(slow)
	time.Sleep(30 * time.Millisecond)
	st := d.State()
	if len(st.Results) != 1 || st.Results[0].Name != "delhi" {
		t.Errorf("stale response overwrote results: %+v", st.Results)
	}
	if st.Searching {
		t.Error("Searching = true after newest response")
	}
}

func TestDebouncer_BlankInputClears(t *testing.T) {
	slow := make(chan struct{})
	s := &scriptedSearcher{block: map[string]chan struct{}{"paris": slow}}
	d := New(s, 10*time.Millisecond, zap.NewNop())
	defer d.Close()

	d.OnInput("lyon")
	waitFor(t, func() bool { return len(d.State().Results) == 1 })

	d.OnInput("paris")
	waitFor(t, func() bool { return s.callCount() == 2 })
	d.OnInput("   ")

	st := d.State()
	if st.Results != nil || st.Searching || st.Err != "" {
		t.Errorf("State() after blank = %+v, want cleared", st)
	}

	close(slow)
	time.Sleep(30 * time.Millisecond)
	if d.State().Results != nil {
		t.Error("in-flight response applied after blank input")
	}
	if s.callCount() != 2 {
		t.Errorf("searches = %d, want 2 (blank input must not search)", s.callCount())
	}
}

func TestDebouncer_FailureSetsMessage(t *testing.T) {
	s := &scriptedSearcher{err: errors.New("upstream down")}
	d := New(s, 5*time.Millisecond, zap.NewNop())
	defer d.Close()

	d.OnInput("tokyo")
	waitFor(t, func() bool { return d.State().Err != "" })

	st := d.State()
	if st.Err != ErrorMessage {
		t.Errorf("Err = %q, want %q", st.Err, ErrorMessage)
	}
	if st.Results != nil || st.Searching {
		t.Errorf("State() = %+v, want no results and not searching", st)
	}

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	d.OnInput("tokyo!")
	waitFor(t, func() bool { return len(d.State().Results) == 1 })
	if d.State().Err != "" {
		t.Error("Err not cleared by successful search")
	}
}

func TestDebouncer_OnChangeSeesSearchingThenResults(t *testing.T) {
	s := &scriptedSearcher{}
	d := New(s, 5*time.Millisecond, zap.NewNop())
	defer d.Close()

	var mu sync.Mutex
	var seen []State
	d.OnChange(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	d.OnInput("oslo")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if !seen[0].Searching || seen[1].Searching || len(seen[1].Results) != 1 {
		t.Errorf("states = %+v", seen)
	}
}

// TestDebouncer_NotifyNeverGoesBackwards covers an older fire's "searching"
// snapshot losing the race to a newer blank-input clear.
func TestDebouncer_NotifyNeverGoesBackwards(t *testing.T) {
	d := New(&scriptedSearcher{}, time.Hour, zap.NewNop())
	defer d.Close()

	var got []State
	record := func(s State) { got = append(got, s) }

	d.notify(record, State{Generation: 2})
	d.notify(record, State{Generation: 1, Query: "old", Searching: true})
	d.notify(record, State{Generation: 2, Query: "same generation"})
	d.notify(record, State{Generation: 3, Query: "new"})

	want := []uint64{2, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("delivered %d snapshots, want %d: %+v", len(got), len(want), got)
	}
	for i, s := range got {
		if s.Generation != want[i] {
			t.Errorf("snapshot %d generation = %d, want %d", i, s.Generation, want[i])
		}
		if s.Searching {
			t.Errorf("snapshot %d is a stale searching state", i)
		}
	}
}

func TestDebouncer_CloseCancelsPending(t *testing.T) {
	s := &scriptedSearcher{}
	d := New(s, 50*time.Millisecond, zap.NewNop())

	d.OnInput("rome")
	d.Close()
	d.Close()
	time.Sleep(80 * time.Millisecond)

	if s.callCount() != 0 {
		t.Errorf("searches = %d after Close, want 0", s.callCount())
	}
	d.OnInput("milan")
	if d.State().Query != "rome" {
		t.Errorf("input accepted after Close")
	}
}

func TestDebouncer_CloseWaitsForInFlight(t *testing.T) {
	block := make(chan struct{})
	s := &scriptedSearcher{block: map[string]chan struct{}{"kyiv": block}}
	d := New(s, 5*time.Millisecond, zap.NewNop())

	d.OnInput("kyiv")
	waitFor(t, func() bool { return s.callCount() == 1 })

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the in-flight lookup")
	}
}
