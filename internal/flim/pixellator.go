package flim

import (
	"errors"
	"fmt"
)

// ErrFinished is returned when events are pushed into a pixellator after
// Finish. This always indicates a caller bug, never a data problem.
var ErrFinished = errors.New("flim: pixellator is finished")

// OutOfOrderPolicy selects how an event whose macrotime precedes an already
// observed time is handled after it has been reported through the sink's
// error channel.
type OutOfOrderPolicy int

const (
	// OutOfOrderProcess reports the violation and then processes the event
	// as-is. Pixel assignment for such an event is best-effort.
	OutOfOrderProcess OutOfOrderPolicy = iota
	// OutOfOrderDrop reports the violation and discards the event.
	OutOfOrderDrop
)

// PixellatorConfig is the fixed geometry and timing configuration of one
// pixellator instance. All times are in macrotime ticks.
type PixellatorConfig struct {
	PixelsPerLine uint32
	LinesPerFrame uint32

	// PixelInterval is the dwell time of one pixel.
	PixelInterval int64
	// LineDelay is added to each line marker's time to locate the start of
	// the line's active pixel window. It may be negative (markers at line
	// ends rather than line starts).
	LineDelay int64
	// LineInterval is the total time attributed to one scanned line. It is
	// independent of PixelsPerLine*PixelInterval so fly-back and dead time
	// can be accounted for.
	LineInterval int64

	// LineMarkerBit is the bit position within MarkerEvent.Bits that carries
	// the line clock.
	LineMarkerBit int
	// FrameMarkerBit and PixelMarkerBit are reserved for alternate timing
	// modes. When set (>= 0) matching markers are counted but otherwise
	// ignored; set to -1 when the hardware does not record them.
	FrameMarkerBit int
	PixelMarkerBit int

	OutOfOrder OutOfOrderPolicy
}

func (c PixellatorConfig) validate() error {
	if c.PixelsPerLine == 0 {
		return fmt.Errorf("flim: pixels per line must be positive")
	}
	if c.LinesPerFrame == 0 {
		return fmt.Errorf("flim: lines per frame must be positive")
	}
	if c.PixelInterval <= 0 {
		return fmt.Errorf("flim: pixel interval must be positive, got %d", c.PixelInterval)
	}
	if c.LineInterval <= 0 {
		return fmt.Errorf("flim: line interval must be positive, got %d", c.LineInterval)
	}
	if c.LineMarkerBit < 0 || c.LineMarkerBit > 15 {
		return fmt.Errorf("flim: line marker bit %d out of range 0-15", c.LineMarkerBit)
	}
	if c.FrameMarkerBit > 15 || c.PixelMarkerBit > 15 {
		return fmt.Errorf("flim: marker bits out of range 0-15")
	}
	return nil
}

// PixellatorStats is a snapshot of the pixellator's progress counters.
type PixellatorStats struct {
	TotalLines       uint64
	FramesClosed     uint64
	FrameOpen        bool
	EmittedPhotons   uint64
	DiscardedPhotons uint64
	OutOfOrderEvents uint64
	FrameMarkers     uint64
	PixelMarkers     uint64
}

// LineClockPixellator assigns photon timestamps to pixels using line marker
// timing alone. It is single-threaded and push-driven: one instance consumes
// one ordered event stream, holds no buffered events beyond the current
// line's window, and invokes its sink synchronously. Instances share no
// state; independent channels get independent pixellators.
type LineClockPixellator struct {
	cfg  PixellatorConfig
	sink EventSink

	totalLines   uint64 // accepted line markers since construction
	lineStart    int64  // start of the current line's pixel window
	lineStartSet bool
	frameIndex   uint64 // frame currently open or about to open
	frameOpen    bool
	lastObserved int64 // max macrotime of any event seen so far
	finished     bool

	emitted      uint64
	discarded    uint64
	outOfOrder   uint64
	frameMarkers uint64
	pixelMarkers uint64
}

// NewLineClockPixellator validates the configuration and returns a
// pixellator delivering to sink. Geometry misconfiguration is fatal here;
// no unusable instance is ever returned.
func NewLineClockPixellator(cfg PixellatorConfig, sink EventSink) (*LineClockPixellator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("flim: sink must not be nil")
	}
	return &LineClockPixellator{cfg: cfg, sink: sink}, nil
}

// observe advances the completion clock and enforces stream ordering.
// It reports a non-monotonic macrotime through the sink and returns false
// when the configured policy says the event should be dropped.
func (p *LineClockPixellator) observe(macrotime uint64) bool {
	t := int64(macrotime)
	if t < p.lastObserved {
		p.outOfOrder++
		p.sink.Error(fmt.Sprintf(
			"out-of-order macrotime %d after %d", macrotime, p.lastObserved))
		if p.cfg.OutOfOrder == OutOfOrderDrop {
			return false
		}
	}
	if t > p.lastObserved {
		p.lastObserved = t
	}
	return true
}

// HandleMarker processes a marker event. A marker carrying the configured
// line clock bit starts a new line; the first line of a frame closes the
// previous frame (if still open) and opens the next. Frame and pixel clock
// bits are counted but drive no timing in this mode.
func (p *LineClockPixellator) HandleMarker(ev MarkerEvent) error {
	if p.finished {
		return ErrFinished
	}
	if !p.observe(ev.Macrotime) {
		return nil
	}

	if p.cfg.FrameMarkerBit >= 0 && ev.Bits&(1<<uint(p.cfg.FrameMarkerBit)) != 0 {
		p.frameMarkers++
	}
	if p.cfg.PixelMarkerBit >= 0 && ev.Bits&(1<<uint(p.cfg.PixelMarkerBit)) != 0 {
		p.pixelMarkers++
	}
	if ev.Bits&(1<<uint(p.cfg.LineMarkerBit)) == 0 {
		return nil
	}

	// Row within the frame this marker starts, before counting it.
	_, row := LinePosition(p.totalLines, p.cfg.LinesPerFrame)
	if row == 0 {
		if p.frameOpen {
			p.closeFrame()
		}
		p.sink.BeginFrame(p.frameIndex)
		p.frameOpen = true
	}

	p.lineStart = int64(ev.Macrotime) + p.cfg.LineDelay
	p.lineStartSet = true
	p.totalLines++
	return nil
}

// HandleTimestamp processes a photon (or probe) timestamp. A photon falling
// inside the current line's open pixel window is emitted as a
// PixelPhotonEvent; photons between lines, during fly-back, or before the
// first line marker carry no pixel assignment and are discarded without an
// error.
func (p *LineClockPixellator) HandleTimestamp(ev TimestampEvent) error {
	if p.finished {
		return ErrFinished
	}
	if !p.observe(ev.Macrotime) {
		return nil
	}
	if !p.lineStartSet || !p.frameOpen {
		p.discarded++
		return nil
	}
	x, ok := PixelIndex(int64(ev.Macrotime), p.lineStart, p.cfg.PixelInterval, p.cfg.PixelsPerLine)
	if !ok {
		p.discarded++
		return nil
	}
	_, y := LinePosition(p.totalLines-1, p.cfg.LinesPerFrame)
	p.emitted++
	p.sink.PixelPhoton(PixelPhotonEvent{
		FrameIndex: p.frameIndex,
		X:          x,
		Y:          y,
		Photon:     ev.Photon,
	})
	return nil
}

// Handle dispatches a decoded event to HandleMarker or HandleTimestamp.
func (p *LineClockPixellator) Handle(ev Event) error {
	switch e := ev.(type) {
	case MarkerEvent:
		return p.HandleMarker(e)
	case TimestampEvent:
		return p.HandleTimestamp(e)
	default:
		return fmt.Errorf("flim: unknown event type %T", ev)
	}
}

// HandleError forwards an upstream error (decoder problems, hardware FIFO
// gaps) to the sink. Pixellator state is unchanged and the stream continues.
func (p *LineClockPixellator) HandleError(msg string) {
	p.sink.Error(msg)
}

// Flush closes the currently open frame if, and only if, its completeness
// has become determinable: the most recently started line is the frame's
// last line and enough time has elapsed since its marker to cover the full
// line interval. A frame whose last line never received its marker stays
// open no matter how much time passes; without that marker the engine cannot
// know the final line's window ever started. Flush is idempotent.
func (p *LineClockPixellator) Flush() error {
	if p.finished {
		return ErrFinished
	}
	p.flush()
	return nil
}

func (p *LineClockPixellator) flush() {
	if !p.frameOpen || !p.lineStartSet {
		return
	}
	_, row := LinePosition(p.totalLines-1, p.cfg.LinesPerFrame)
	if row != p.cfg.LinesPerFrame-1 {
		return
	}
	if p.lastObserved-p.lineStart < p.cfg.LineInterval {
		return
	}
	p.closeFrame()
}

func (p *LineClockPixellator) closeFrame() {
	p.sink.EndFrame(p.frameIndex)
	p.frameIndex++
	p.frameOpen = false
}

// Finish performs a final completeness check, notifies the sink that no
// further events will arrive, and makes the pixellator permanently inert.
// A trailing frame that is still indeterminate is reported as incomplete by
// omission: it receives no EndFrame.
func (p *LineClockPixellator) Finish() error {
	if p.finished {
		return ErrFinished
	}
	p.flush()
	p.finished = true
	p.sink.Finish()
	return nil
}

// Stats returns a snapshot of the progress counters.
func (p *LineClockPixellator) Stats() PixellatorStats {
	return PixellatorStats{
		TotalLines:       p.totalLines,
		FramesClosed:     p.frameIndex,
		FrameOpen:        p.frameOpen,
		EmittedPhotons:   p.emitted,
		DiscardedPhotons: p.discarded,
		OutOfOrderEvents: p.outOfOrder,
		FrameMarkers:     p.frameMarkers,
		PixelMarkers:     p.pixelMarkers,
	}
}
