// Package playback plays one statement's sub-range of a merged challenge video and
// pauses exactly at its boundary, falling back to per-statement files when the merge
// cannot be trusted.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/mediaerr"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/store"
	"github.com/twotruths/mediacore/pkg/clock"
)

// DefaultToleranceMs is the allowed gap between the decoder's duration and the catalog total.
const DefaultToleranceMs = 500

// EventType names engine events.
type EventType string

const (
	EventSegmentSelected  EventType = "segment_selected"
	EventBoundaryReached  EventType = "boundary_reached"
	EventStrategyFallback EventType = "strategy_fallback"
	EventEnded            EventType = "ended"
)

// Event is emitted to the OnEvent hook.
type Event struct {
	Type         EventType
	SegmentIndex int
	Strategy     models.Strategy
	Reason       string
}

// errMismatch signals that the merged source was rejected and the segment must be
// played from its individual file.
var errMismatch = errors.New("merged duration mismatch")

// Engine is the segment playback state machine. At most one boundary timer is
// outstanding; a newer operation always supersedes it.
type Engine struct {
	dec         Decoder
	toleranceMs int64
	log         *zap.Logger

	clock      clock.Clock
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	onEvent    func(Event)

	// opMu serializes operations that drive the decoder.
	opMu sync.Mutex

	mu       sync.Mutex
	cat      *Catalog
	session  models.PlaybackSession
	fallback bool
	gen      uint64
	timer    clock.Timer
	closed   bool
}

// NewEngine creates an engine for cat. toleranceMs <= 0 uses DefaultToleranceMs.
func NewEngine(dec Decoder, cat *Catalog, toleranceMs int64, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if toleranceMs <= 0 {
		toleranceMs = DefaultToleranceMs
	}
	return &Engine{
		dec:         dec,
		cat:         cat,
		toleranceMs: toleranceMs,
		log:         log,
		clock:       clock.Real{},
		dispatcher:  noopDispatcher{},
		session:     models.PlaybackSession{State: models.PlayerUnloaded, Strategy: models.StrategyMergedSeek},
	}
}

// SetClock replaces the wall clock (tests).
func (e *Engine) SetClock(clk clock.Clock) { e.clock = clk }

// SetDispatcher mirrors every snapshot into a state store.
func (e *Engine) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = noopDispatcher{}
	}
	e.dispatcher = d
}

// SetMetrics enables playback metrics.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// OnEvent registers the event hook. The hook must not call back into the engine synchronously.
func (e *Engine) OnEvent(fn func(Event)) { e.onEvent = fn }

// Session returns a snapshot.
func (e *Engine) Session() models.PlaybackSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.session)
}

// SetCatalog switches to another challenge. It stops current playback and starts a
// new session, so an earlier fallback decision no longer applies.
func (e *Engine) SetCatalog(ctx context.Context, cat *Catalog) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	err := e.stopLocked(ctx)
	e.mu.Lock()
	e.cat = cat
	e.fallback = false
	e.session.Strategy = models.StrategyMergedSeek
	e.mu.Unlock()
	e.publish()
	return err
}

// PlaySegment plays statement idx and arms its boundary timer. Calling it again
// supersedes the previous segment.
func (e *Engine) PlaySegment(ctx context.Context, idx int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.playLocked(ctx, idx)
}

func (e *Engine) playLocked(ctx context.Context, idx int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return mediaerr.New(mediaerr.SegmentUnavailable, idx, "playback engine closed")
	}
	cat := e.cat
	e.mu.Unlock()
	if cat == nil {
		return mediaerr.New(mediaerr.SegmentUnavailable, idx, "no challenge loaded")
	}

	seg, ok := cat.Segment(idx)
	if !ok {
		e.metrics.ObserveSegmentPlay("none", "unavailable")
		return mediaerr.New(mediaerr.SegmentUnavailable, idx, fmt.Sprintf("no segment %d in a catalog of %d", idx, cat.Len()))
	}

	e.mu.Lock()
	e.cancelTimerLocked()
	active := idx
	e.session.ActiveSegmentIndex = &active
	useMerged := !e.fallback && cat.MergedURI() != ""
	e.mu.Unlock()
	e.emit(Event{Type: EventSegmentSelected, SegmentIndex: idx})

	if useMerged {
		err := e.playMerged(ctx, cat, seg)
		if err == nil {
			e.metrics.ObserveSegmentPlay(string(models.StrategyMergedSeek), "ok")
			return nil
		}
		var merr *mediaerr.Error
		if errors.As(err, &merr) && merr.Kind == mediaerr.SegmentUnavailable {
			e.metrics.ObserveSegmentPlay(string(models.StrategyMergedSeek), "unavailable")
			return err
		}
		if !errors.Is(err, errMismatch) {
			if seg.IndividualVideoURI == "" {
				e.metrics.ObserveSegmentPlay(string(models.StrategyMergedSeek), "unavailable")
				return mediaerr.Wrap(mediaerr.SegmentUnavailable, idx, "merged source failed and no individual file exists", err)
			}
			e.log.Warn("merged playback failed, using individual file",
				zap.Int("segment_index", idx), zap.Error(err))
			e.metrics.ObserveFallback("decode_error")
		}
	}

	if err := e.playIndividual(ctx, seg); err != nil {
		e.metrics.ObserveSegmentPlay(string(models.StrategyIndividualFiles), "unavailable")
		return err
	}
	e.metrics.ObserveSegmentPlay(string(models.StrategyIndividualFiles), "ok")
	return nil
}

func (e *Engine) playMerged(ctx context.Context, cat *Catalog, seg models.SegmentDescriptor) error {
	uri := cat.MergedURI()
	if err := e.ensureLoaded(ctx, uri); err != nil {
		return mediaerr.Wrap(mediaerr.DecodeError, seg.StatementIndex, "load merged source", err)
	}

	e.mu.Lock()
	detected := e.session.DetectedDurationMs
	if detected > 0 && e.mismatchLocked(detected, cat) {
		e.switchToIndividualLocked()
		e.mu.Unlock()
		e.onFallback(seg.StatementIndex, detected, cat.ExpectedTotalMs())
		return errMismatch
	}
	e.mu.Unlock()

	if detected > 0 && seg.StartTimeMs >= detected {
		return mediaerr.New(mediaerr.SegmentUnavailable, seg.StatementIndex,
			fmt.Sprintf("segment starts at %dms but source is %dms long", seg.StartTimeMs, detected))
	}
	boundary := seg.EndTimeMs
	if detected > 0 && boundary > detected {
		boundary = detected
	}

	if err := e.dec.Seek(ctx, seg.StartTimeMs); err != nil {
		return mediaerr.Wrap(mediaerr.DecodeError, seg.StatementIndex, "seek merged source", err)
	}
	if err := e.dec.Play(ctx); err != nil {
		return mediaerr.Wrap(mediaerr.DecodeError, seg.StatementIndex, "play merged source", err)
	}

	// measured after Play returns so seek latency is not counted. A decoder that has
	// not applied the seek yet reports a position outside the segment.
	pos := e.dec.Status().PositionMs
	if pos < seg.StartTimeMs || pos >= boundary {
		pos = seg.StartTimeMs
	}
	e.startPlaying(models.StrategyMergedSeek, boundary, boundary-pos)
	e.log.Debug("playing merged segment",
		zap.Int("segment_index", seg.StatementIndex),
		zap.Int64("start_ms", seg.StartTimeMs),
		zap.Int64("boundary_ms", boundary),
	)
	return nil
}

func (e *Engine) playIndividual(ctx context.Context, seg models.SegmentDescriptor) error {
	idx := seg.StatementIndex
	if seg.IndividualVideoURI == "" {
		return mediaerr.New(mediaerr.SegmentUnavailable, idx, "segment has no individual file")
	}

	e.mu.Lock()
	reuse := e.session.SourceURI == seg.IndividualVideoURI && e.session.State != models.PlayerUnloaded
	e.mu.Unlock()

	if reuse {
		if err := e.dec.Seek(ctx, 0); err != nil {
			return mediaerr.Wrap(mediaerr.SegmentUnavailable, idx, "rewind individual file",
				mediaerr.Wrap(mediaerr.DecodeError, idx, "seek", err))
		}
	} else if err := e.ensureLoaded(ctx, seg.IndividualVideoURI); err != nil {
		return mediaerr.Wrap(mediaerr.SegmentUnavailable, idx, "load individual file",
			mediaerr.Wrap(mediaerr.DecodeError, idx, "load", err))
	}
	if err := e.dec.Play(ctx); err != nil {
		return mediaerr.Wrap(mediaerr.SegmentUnavailable, idx, "play individual file",
			mediaerr.Wrap(mediaerr.DecodeError, idx, "play", err))
	}

	boundary := seg.DurationMs()
	e.mu.Lock()
	if d := e.session.DetectedDurationMs; d > 0 && d < boundary {
		boundary = d
	}
	e.mu.Unlock()

	pos := e.dec.Status().PositionMs
	if pos < 0 {
		pos = 0
	}
	e.startPlaying(models.StrategyIndividualFiles, boundary, boundary-pos)
	e.log.Debug("playing individual segment",
		zap.Int("segment_index", idx),
		zap.String("uri", seg.IndividualVideoURI),
		zap.Int64("boundary_ms", boundary),
	)
	return nil
}

// ensureLoaded loads uri unless it is already the active source.
func (e *Engine) ensureLoaded(ctx context.Context, uri string) error {
	e.mu.Lock()
	if e.session.SourceURI == uri && e.session.State != models.PlayerUnloaded && e.session.State != models.PlayerLoading {
		e.mu.Unlock()
		return nil
	}
	e.session.State = models.PlayerLoading
	e.session.SourceURI = uri
	e.session.DetectedDurationMs = 0
	e.mu.Unlock()
	e.publish()

	if err := e.dec.Load(ctx, uri); err != nil {
		e.mu.Lock()
		e.session.State = models.PlayerUnloaded
		e.session.SourceURI = ""
		e.mu.Unlock()
		e.publish()
		return err
	}

	st := e.dec.Status()
	e.mu.Lock()
	e.session.State = models.PlayerReady
	e.session.DetectedDurationMs = st.DurationMs
	e.mu.Unlock()
	e.publish()
	return nil
}

func (e *Engine) startPlaying(strategy models.Strategy, boundary, remaining int64) {
	e.mu.Lock()
	e.session.State = models.PlayerPlaying
	e.session.Strategy = strategy
	e.session.BoundaryMs = boundary
	e.armLocked(remaining)
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) armLocked(remainingMs int64) {
	e.cancelTimerLocked()
	if remainingMs < 0 {
		remainingMs = 0
	}
	gen := e.gen
	e.timer = e.clock.AfterFunc(time.Duration(remainingMs)*time.Millisecond, func() { e.onBoundary(gen) })
}

// cancelTimerLocked drops the outstanding boundary timer and invalidates its callback.
func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

func (e *Engine) onBoundary(gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if gen != e.gen || e.session.State != models.PlayerPlaying {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	idx := activeIndex(e.session)
	e.mu.Unlock()

	if err := e.dec.Pause(context.Background()); err != nil {
		e.log.Warn("pause at segment boundary failed", zap.Int("segment_index", idx), zap.Error(err))
	}
	e.mu.Lock()
	e.session.State = models.PlayerPaused
	strategy := e.session.Strategy
	e.mu.Unlock()
	e.publish()
	e.emit(Event{Type: EventBoundaryReached, SegmentIndex: idx, Strategy: strategy})
}

// Pause pauses playback and cancels the boundary timer.
func (e *Engine) Pause(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session.State != models.PlayerPlaying {
		e.mu.Unlock()
		return nil
	}
	e.cancelTimerLocked()
	e.mu.Unlock()

	err := e.dec.Pause(ctx)
	e.mu.Lock()
	e.session.State = models.PlayerPaused
	e.mu.Unlock()
	e.publish()
	if err != nil {
		return mediaerr.Wrap(mediaerr.DecodeError, -1, "pause", err)
	}
	return nil
}

// Resume continues a paused segment with the remaining time to its boundary, or
// restarts the segment when playback already stopped at the boundary.
func (e *Engine) Resume(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.session.State != models.PlayerPaused || e.session.ActiveSegmentIndex == nil {
		e.mu.Unlock()
		return nil
	}
	idx := *e.session.ActiveSegmentIndex
	boundary := e.session.BoundaryMs
	e.mu.Unlock()

	remaining := boundary - e.dec.Status().PositionMs
	if remaining <= 0 {
		return e.playLocked(ctx, idx)
	}
	if err := e.dec.Play(ctx); err != nil {
		return mediaerr.Wrap(mediaerr.DecodeError, idx, "resume", err)
	}
	e.mu.Lock()
	e.session.State = models.PlayerPlaying
	e.armLocked(remaining)
	e.mu.Unlock()
	e.publish()
	return nil
}

// Stop releases the decode session and clears the active segment.
func (e *Engine) Stop(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	e.mu.Lock()
	e.cancelTimerLocked()
	if e.session.State == models.PlayerUnloaded {
		e.mu.Unlock()
		return nil
	}
	e.session = models.PlaybackSession{State: models.PlayerUnloaded, Strategy: e.session.Strategy}
	e.mu.Unlock()

	err := e.dec.Unload(ctx)
	e.publish()
	if err != nil {
		return fmt.Errorf("unload decoder: %w", err)
	}
	return nil
}

// HandleStatus consumes a decoder status report. It tracks the detected duration of
// the merged source and treats a natural end of file as a pause.
func (e *Engine) HandleStatus(st DecoderStatus) {
	var events []Event
	var fellBack bool
	var detected, expected int64

	e.mu.Lock()
	if e.session.State == models.PlayerUnloaded || e.session.State == models.PlayerLoading {
		e.mu.Unlock()
		return
	}
	changed := false
	if st.DurationMs > 0 && st.DurationMs != e.session.DetectedDurationMs {
		e.session.DetectedDurationMs = st.DurationMs
		changed = true
		onMerged := e.cat != nil && e.session.SourceURI == e.cat.MergedURI()
		if onMerged && !e.fallback && e.mismatchLocked(st.DurationMs, e.cat) {
			e.switchToIndividualLocked()
			fellBack = true
			detected, expected = st.DurationMs, e.cat.ExpectedTotalMs()
		}
	}
	idx := activeIndex(e.session)
	if st.DidJustFinish && e.session.State == models.PlayerPlaying {
		e.cancelTimerLocked()
		e.session.State = models.PlayerPaused
		changed = true
		events = append(events, Event{Type: EventEnded, SegmentIndex: idx, Strategy: e.session.Strategy})
	}
	e.mu.Unlock()

	if fellBack {
		e.onFallback(idx, detected, expected)
	}
	if changed {
		e.publish()
	}
	for _, ev := range events {
		e.emit(ev)
	}
}

// Close cancels the boundary timer and releases the decoder. Further calls are rejected.
func (e *Engine) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	err := e.stopLocked(context.Background())
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return err
}

func (e *Engine) mismatchLocked(detected int64, cat *Catalog) bool {
	diff := detected - cat.ExpectedTotalMs()
	if diff < 0 {
		diff = -diff
	}
	return diff > e.toleranceMs
}

// switchToIndividualLocked is permanent for the catalog's lifetime.
func (e *Engine) switchToIndividualLocked() {
	e.fallback = true
	e.session.Strategy = models.StrategyIndividualFiles
}

func (e *Engine) onFallback(idx int, detected, expected int64) {
	e.log.Warn("merged duration mismatch, switching to individual files",
		zap.Int64("detected_ms", detected),
		zap.Int64("expected_ms", expected),
		zap.Int64("tolerance_ms", e.toleranceMs),
	)
	e.metrics.ObserveFallback("duration_mismatch")
	e.emit(Event{Type: EventStrategyFallback, SegmentIndex: idx, Strategy: models.StrategyIndividualFiles, Reason: "duration_mismatch"})
}

func (e *Engine) publish() {
	e.dispatcher.Dispatch(store.PlaybackChanged{Session: e.Session()})
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

func snapshot(s models.PlaybackSession) models.PlaybackSession {
	if s.ActiveSegmentIndex != nil {
		idx := *s.ActiveSegmentIndex
		s.ActiveSegmentIndex = &idx
	}
	return s
}

func activeIndex(s models.PlaybackSession) int {
	if s.ActiveSegmentIndex == nil {
		return -1
	}
	return *s.ActiveSegmentIndex
}
