// Package feed implements the live feed reconciler: it folds the upstream
// snapshot fetch and the pushed event stream into bounded, UI-ready state
// slices (buses, ridership, alerts, static network).
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fleetview/fleetview/internal/stream"
)

// Reconciler defaults.
const (
	// DefaultWindowSize caps the ridership series.
	DefaultWindowSize = 120

	// DefaultAlertCap caps the alert log.
	DefaultAlertCap = 5

	// Default map center used until the snapshot delivers stops.
	DefaultCenterLat = 37.7749
	DefaultCenterLon = -122.4194
)

// Bootstrap retry policy for the startup snapshot fetch.
const (
	bootstrapMaxRetries     = 3
	bootstrapInitialBackoff = 500 * time.Millisecond
	bootstrapMaxBackoff     = 5 * time.Second
)

// SnapshotSource fetches the full static network state. Fetch is
// idempotent and safe to call repeatedly.
type SnapshotSource interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// Config holds configuration for the reconciler.
type Config struct {
	// Snapshots is the snapshot fetch collaborator (required).
	Snapshots SnapshotSource

	// Logger for reconciliation events.
	Logger zerolog.Logger

	// WindowSize caps the ridership series (default 120).
	WindowSize int

	// AlertCap caps the alert log (default 5).
	AlertCap int

	// OnChange, if set, is invoked with a fresh View after every applied
	// change. It runs outside the state lock.
	OnChange func(View)

	// Metrics instruments, optional.
	Metrics *Metrics
}

// Reconciler owns the four state slices and the dispatch rules that fold
// live events into them. All state is instance-scoped and torn down with
// the reconciler; a mutex gives HTTP readers the same one-event-at-a-time
// visibility the single consumer loop provides.
type Reconciler struct {
	snapshots  SnapshotSource
	logger     zerolog.Logger
	windowSize int
	alertCap   int
	onChange   func(View)
	metrics    *Metrics

	mu        sync.Mutex
	stops     []Stop
	routes    []Route
	schedule  []ScheduleEntry
	buses     []Bus
	ridership []RidershipSample
	alerts    []string
	state     ConnState
	ready     bool

	refreshes sync.WaitGroup
}

// New creates a reconciler with empty state slices.
func New(cfg Config) *Reconciler {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.AlertCap <= 0 {
		cfg.AlertCap = DefaultAlertCap
	}

	return &Reconciler{
		snapshots:  cfg.Snapshots,
		logger:     cfg.Logger,
		windowSize: cfg.WindowSize,
		alertCap:   cfg.AlertCap,
		onChange:   cfg.OnChange,
		metrics:    cfg.Metrics,
		state:      StateDisconnected,
	}
}

// Bootstrap issues the startup snapshot fetch, retrying a bounded number
// of times with exponential backoff. On failure the error propagates to
// the caller and state stays empty.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	if r.snapshots == nil {
		return errors.New("no snapshot source configured")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = bootstrapInitialBackoff
	bo.MaxInterval = bootstrapMaxBackoff
	bo.MaxElapsedTime = 0

	operation := func() error {
		snap, err := r.snapshots.Fetch(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("startup snapshot fetch failed")
			return err
		}
		r.applySnapshot(snap)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, bootstrapMaxRetries), ctx)); err != nil {
		return fmt.Errorf("bootstrap snapshot: %w", err)
	}
	return nil
}

// Run consumes the stream until the channel closes or ctx is cancelled,
// then marks the reconciler closed. Events are applied strictly in
// delivery order; this loop is the only writer besides completed
// snapshot refreshes.
func (r *Reconciler) Run(ctx context.Context, msgs <-chan stream.Message) {
	r.setState(StateConnecting)

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case m, ok := <-msgs:
			if !ok {
				r.Close()
				return
			}
			switch m.Kind {
			case stream.KindConnected:
				r.setState(StateOpen)
			case stream.KindDisconnected:
				// The transport is already retrying by the time this
				// arrives, so the machine goes back to Connecting; the
				// loss itself is surfaced as an alert.
				r.logger.Warn().Err(m.Err).Msg("live connection lost")
				r.setState(StateConnecting)
				r.RecordAlert("connection lost; reconnecting")
			case stream.KindData:
				r.Apply(ctx, m.Data)
			}
		}
	}
}

// Close marks the reconciler inactive. In-flight snapshot refreshes may
// still complete but their results are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.state = StateClosed
	r.mu.Unlock()
}

// Apply folds one raw live event into state. Unknown kinds and malformed
// payloads are dropped without touching any slice.
func (r *Reconciler) Apply(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.logger.Debug().Msg("dropping untagged or non-JSON message")
		r.metrics.recordDropped(ctx, "malformed")
		return
	}

	switch env.Type {
	case KindBuses:
		var p busesPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			r.logger.Debug().Err(err).Msg("dropping malformed buses payload")
			r.metrics.recordDropped(ctx, "malformed")
			return
		}
		r.replaceBuses(p.Buses)

	case KindTicket:
		var p ticketPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			r.logger.Debug().Err(err).Msg("dropping malformed ticket payload")
			r.metrics.recordDropped(ctx, "malformed")
			return
		}
		r.appendSample(RidershipSample{TS: int64(p.TS * 1000), Count: p.Count})

	case KindScheduleOpt:
		var p scheduleOptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			r.logger.Debug().Err(err).Msg("dropping malformed schedule_opt payload")
			r.metrics.recordDropped(ctx, "malformed")
			return
		}
		at := time.Unix(int64(p.TS), 0)
		r.RecordAlert(fmt.Sprintf("%s schedule re-optimized (avg forecast %.1f)", at.Format("15:04:05"), p.AvgForecast))
		r.annotateLastSample(p.AvgForecast)
		r.refreshSnapshot(ctx)

	default:
		r.logger.Debug().Str("kind", env.Type).Msg("dropping unknown event kind")
		r.metrics.recordDropped(ctx, "unknown")
		return
	}

	r.metrics.recordEvent(ctx, env.Type)
}

// View returns a copy of all state slices.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// ConnState returns the current connection lifecycle state.
func (r *Reconciler) ConnState() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready reports whether a snapshot has been applied at least once.
func (r *Reconciler) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// RecordAlert prepends a human-readable alert, evicting beyond the cap.
func (r *Reconciler) RecordAlert(msg string) {
	r.mu.Lock()
	r.alerts = append([]string{msg}, r.alerts...)
	if len(r.alerts) > r.alertCap {
		r.alerts = r.alerts[:r.alertCap]
	}
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)
}

// replaceBuses swaps in the full fleet broadcast. Never a merge.
func (r *Reconciler) replaceBuses(buses []Bus) {
	r.mu.Lock()
	r.buses = buses
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)
}

// appendSample adds one ridership sample, keeping the series sorted by
// non-decreasing timestamp and bounded to the sliding window. Samples
// older than the newest one are dropped.
func (r *Reconciler) appendSample(s RidershipSample) {
	r.mu.Lock()
	if n := len(r.ridership); n > 0 && s.TS < r.ridership[n-1].TS {
		r.mu.Unlock()
		r.logger.Debug().Int64("ts", s.TS).Msg("dropping out-of-order ridership sample")
		return
	}
	r.ridership = append(r.ridership, s)
	if len(r.ridership) > r.windowSize {
		r.ridership = r.ridership[len(r.ridership)-r.windowSize:]
	}
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)
}

// annotateLastSample sets the forecast on the most recent ridership
// sample. No-op when the series is empty.
func (r *Reconciler) annotateLastSample(forecast float64) {
	r.mu.Lock()
	if len(r.ridership) == 0 {
		r.mu.Unlock()
		return
	}
	f := forecast
	r.ridership[len(r.ridership)-1].Forecast = &f
	v := r.viewLocked()
	r.mu.Unlock()
	r.notify(v)
}

// applySnapshot replaces the static sets wholesale. The live slices are
// untouched.
func (r *Reconciler) applySnapshot(snap *Snapshot) {
	r.mu.Lock()
	r.stops = snap.Stops
	r.routes = snap.Routes
	r.schedule = snap.Schedule
	r.ready = true
	v := r.viewLocked()
	r.mu.Unlock()

	r.logger.Info().
		Int("stops", len(snap.Stops)).
		Int("routes", len(snap.Routes)).
		Int("schedule", len(snap.Schedule)).
		Msg("snapshot applied")
	r.notify(v)
}

// refreshSnapshot fetches a fresh snapshot in the background to pick up
// server-side schedule changes. Failures are swallowed, and a result
// that lands after Close is discarded.
func (r *Reconciler) refreshSnapshot(ctx context.Context) {
	if r.snapshots == nil {
		return
	}
	r.refreshes.Add(1)
	go func() {
		defer r.refreshes.Done()

		start := time.Now()
		snap, err := r.snapshots.Fetch(ctx)
		r.metrics.recordRefresh(ctx, time.Since(start), err == nil)
		if err != nil {
			r.logger.Warn().Err(err).Msg("snapshot refresh failed")
			return
		}

		r.mu.Lock()
		if r.state == StateClosed {
			r.mu.Unlock()
			return
		}
		r.stops = snap.Stops
		r.routes = snap.Routes
		r.schedule = snap.Schedule
		r.ready = true
		v := r.viewLocked()
		r.mu.Unlock()
		r.notify(v)
	}()
}

func (r *Reconciler) setState(s ConnState) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
}

// viewLocked builds a copy of every slice. Callers hold r.mu.
func (r *Reconciler) viewLocked() View {
	v := View{
		Stops:     make([]Stop, len(r.stops)),
		Routes:    make([]Route, len(r.routes)),
		Schedule:  make([]ScheduleEntry, len(r.schedule)),
		Buses:     make([]Bus, len(r.buses)),
		Ridership: make([]RidershipSample, len(r.ridership)),
		Alerts:    make([]string, len(r.alerts)),
		ConnState: r.state.String(),
	}
	copy(v.Stops, r.stops)
	copy(v.Routes, r.routes)
	copy(v.Schedule, r.schedule)
	copy(v.Buses, r.buses)
	copy(v.Ridership, r.ridership)
	copy(v.Alerts, r.alerts)
	v.Center = centerOf(r.stops)
	return v
}

func (r *Reconciler) notify(v View) {
	if r.onChange != nil {
		r.onChange(v)
	}
}

// centerOf returns the centroid of the stops, or the default center
// when none are loaded yet.
func centerOf(stops []Stop) Coordinate {
	if len(stops) == 0 {
		return Coordinate{Lat: DefaultCenterLat, Lon: DefaultCenterLon}
	}
	var lat, lon float64
	for _, s := range stops {
		lat += s.Lat
		lon += s.Lon
	}
	n := float64(len(stops))
	return Coordinate{Lat: lat / n, Lon: lon / n}
}
