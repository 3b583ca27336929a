// Package search debounces free-text station lookups and keeps only the
// newest query's results.
package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/models"
	"github.com/kjstillabower/air-alert-service/internal/observability"
)

// DefaultWindow is the quiet period before a query is sent.
const DefaultWindow = 500 * time.Millisecond

// ErrorMessage is shown when a lookup fails.
const ErrorMessage = "Unable to search locations right now."

// Searcher performs the actual lookup.
type Searcher interface {
	Search(ctx context.Context, keyword string) ([]models.Station, error)
}

// State is what a search box renders.
type State struct {
	Query      string           `json:"query"`
	Results    []models.Station `json:"results"`
	Searching  bool             `json:"searching"`
	Err        string           `json:"error,omitempty"`
	Generation uint64           `json:"generation"`
}

func (s State) clone() State {
	if s.Results != nil {
		s.Results = append([]models.Station(nil), s.Results...)
	}
	return s
}

// Debouncer turns keystrokes into at most one lookup per quiet window.
// Each input bumps a generation counter; a response is applied only if its
// generation is still current.
type Debouncer struct {
	searcher Searcher
	window   time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	closed   bool
	onChange func(State)

	// notifyMu orders callbacks; delivered is the newest generation handed out.
	notifyMu  sync.Mutex
	delivered uint64
}

// New returns a Debouncer. A non-positive window uses DefaultWindow.
func New(searcher Searcher, window time.Duration, logger *zap.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		searcher: searcher,
		window:   window,
		logger:   observability.Component(logger, "search"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnChange registers fn to receive state changes. Calls are serialized and
// never go backwards in generation; fn must not call back into the Debouncer.
func (d *Debouncer) OnChange(fn func(State)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// OnInput records new search-box text.
func (d *Debouncer) OnInput(text string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.state.Generation++
	d.state.Query = text
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	keyword := strings.TrimSpace(text)
	if keyword == "" {
		d.state.Results = nil
		d.state.Err = ""
		d.state.Searching = false
		snap, fn := d.state.clone(), d.onChange
		d.mu.Unlock()
		d.notify(fn, snap)
		return
	}

	gen := d.state.Generation
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen, keyword) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(gen uint64, keyword string) {
	d.mu.Lock()
	if d.closed || gen != d.state.Generation {
		d.mu.Unlock()
		return
	}
	d.state.Searching = true
	d.wg.Add(1)
	snap, fn := d.state.clone(), d.onChange
	d.mu.Unlock()
	defer d.wg.Done()
	d.notify(fn, snap)

	results, err := d.searcher.Search(d.ctx, keyword)

	d.mu.Lock()
	if d.closed || gen != d.state.Generation {
		d.mu.Unlock()
		observability.SearchStaleDiscardedTotal.Inc()
		return
	}
	d.state.Searching = false
	if err != nil {
		d.logger.Warn("location search failed", zap.String("keyword", keyword), zap.Error(err))
		d.state.Results = nil
		d.state.Err = ErrorMessage
	} else {
		d.state.Results = results
		d.state.Err = ""
	}
	snap, fn = d.state.clone(), d.onChange
	d.mu.Unlock()
	d.notify(fn, snap)
}

// notify hands snap to fn unless a newer generation was already delivered.
func (d *Debouncer) notify(fn func(State), snap State) {
	if fn == nil {
		return
	}
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	if snap.Generation < d.delivered {
		return
	}
	d.delivered = snap.Generation
	fn(snap)
}

// State returns a copy of the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

// Close drops any pending query, cancels lookups in flight and waits for them.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
