package flim

import (
	"errors"
	"strings"
	"testing"
)

// recordSink captures the full callback sequence for assertions.
type recordSink struct {
	beginFrames []uint64
	endFrames   []uint64
	photons     []PixelPhotonEvent
	errors      []string
	finishCount int

	// framesSeen tracks BeginFrame indices observed so far, so photon
	// causality can be checked at delivery time.
	framesSeen map[uint64]bool
	causalErr  bool
}

func newRecordSink() *recordSink {
	return &recordSink{framesSeen: make(map[uint64]bool)}
}

func (s *recordSink) BeginFrame(frameIndex uint64) {
	s.beginFrames = append(s.beginFrames, frameIndex)
	s.framesSeen[frameIndex] = true
}

func (s *recordSink) EndFrame(frameIndex uint64) {
	s.endFrames = append(s.endFrames, frameIndex)
	delete(s.framesSeen, frameIndex)
}

func (s *recordSink) PixelPhoton(ev PixelPhotonEvent) {
	if !s.framesSeen[ev.FrameIndex] {
		s.causalErr = true
	}
	s.photons = append(s.photons, ev)
}

func (s *recordSink) Error(msg string) { s.errors = append(s.errors, msg) }
func (s *recordSink) Finish()          { s.finishCount++ }

func (s *recordSink) reset() {
	s.beginFrames = nil
	s.endFrames = nil
	s.photons = nil
	s.errors = nil
	s.finishCount = 0
}

// testConfig is the 2x2 geometry the original behavioural evidence uses:
// 2 pixels per line, 2 lines per frame, 10 tick pixel dwell, no line delay,
// 20 tick line interval. Line clock on marker bit 1.
func testConfig() PixellatorConfig {
	return PixellatorConfig{
		PixelsPerLine:  2,
		LinesPerFrame:  2,
		PixelInterval:  10,
		LineDelay:      0,
		LineInterval:   20,
		LineMarkerBit:  1,
		FrameMarkerBit: -1,
		PixelMarkerBit: -1,
	}
}

func lineMarker(t uint64) MarkerEvent {
	return MarkerEvent{Bits: 1 << 1, Macrotime: t}
}

func mustPixellator(t *testing.T, cfg PixellatorConfig, sink EventSink) *LineClockPixellator {
	t.Helper()
	p, err := NewLineClockPixellator(cfg, sink)
	if err != nil {
		t.Fatalf("NewLineClockPixellator: %v", err)
	}
	return p
}

func TestFramesFollowLineMarkers(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	// First line marker opens frame 0.
	if err := p.HandleMarker(lineMarker(100)); err != nil {
		t.Fatalf("HandleMarker: %v", err)
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.beginFrames) != 1 || sink.beginFrames[0] != 0 {
		t.Errorf("begin frames after first marker = %v, want [0]", sink.beginFrames)
	}
	if len(sink.endFrames) != 0 {
		t.Errorf("end frames after first marker = %v, want none", sink.endFrames)
	}
	sink.reset()

	// Second marker is mid-frame: no frame events.
	p.HandleMarker(lineMarker(200))
	p.Flush()
	if len(sink.beginFrames) != 0 || len(sink.endFrames) != 0 {
		t.Errorf("mid-frame marker emitted begin=%v end=%v, want none",
			sink.beginFrames, sink.endFrames)
	}
	sink.reset()

	// Third marker starts frame 1, closing frame 0 eagerly.
	p.HandleMarker(lineMarker(300))
	p.Flush()
	if len(sink.endFrames) != 1 || sink.endFrames[0] != 0 {
		t.Errorf("end frames = %v, want [0]", sink.endFrames)
	}
	if len(sink.beginFrames) != 1 || sink.beginFrames[0] != 1 {
		t.Errorf("begin frames = %v, want [1]", sink.beginFrames)
	}
}

func TestTrailingFrameIndeterminateWithoutLastLineMarker(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	for _, mt := range []uint64{100, 200, 300} {
		p.HandleMarker(lineMarker(mt))
	}
	sink.reset()

	// Frame 1's second line never got its marker. Enormous elapsed time must
	// not close the frame: its completeness is permanently undetermined.
	p.HandleTimestamp(TimestampEvent{Macrotime: 1000000})
	p.Flush()
	if len(sink.beginFrames) != 0 || len(sink.endFrames) != 0 {
		t.Errorf("indeterminate frame emitted begin=%v end=%v, want none",
			sink.beginFrames, sink.endFrames)
	}

	// Finish does not relax the rule either: no EndFrame, one Finish.
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(sink.endFrames) != 0 {
		t.Errorf("Finish closed an indeterminate frame: %v", sink.endFrames)
	}
	if sink.finishCount != 1 {
		t.Errorf("finish count = %d, want 1", sink.finishCount)
	}
}

func TestTrailingFrameClosedByElapsedTime(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	for _, mt := range []uint64{100, 200, 300, 400} {
		p.HandleMarker(lineMarker(mt))
	}
	sink.reset()

	// 419 is one tick short of the last line's full 20-tick interval.
	p.HandleTimestamp(TimestampEvent{Macrotime: 419})
	p.Flush()
	if len(sink.beginFrames) != 0 || len(sink.endFrames) != 0 {
		t.Errorf("premature close: begin=%v end=%v", sink.beginFrames, sink.endFrames)
	}
	sink.reset()

	// 420 covers the full line interval: frame 1 closes lazily.
	p.HandleTimestamp(TimestampEvent{Macrotime: 420})
	p.Flush()
	if len(sink.beginFrames) != 0 {
		t.Errorf("unexpected begin frames: %v", sink.beginFrames)
	}
	if len(sink.endFrames) != 1 || sink.endFrames[0] != 1 {
		t.Errorf("end frames = %v, want [1]", sink.endFrames)
	}
}

func TestFlushIdempotent(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	for _, mt := range []uint64{100, 200, 300, 400} {
		p.HandleMarker(lineMarker(mt))
	}
	p.HandleTimestamp(TimestampEvent{Macrotime: 500})
	p.Flush()
	sink.reset()

	// No new events: second flush must emit nothing.
	p.Flush()
	if len(sink.beginFrames)+len(sink.endFrames)+len(sink.photons) != 0 {
		t.Errorf("second flush emitted output: begin=%v end=%v photons=%d",
			sink.beginFrames, sink.endFrames, len(sink.photons))
	}
}

func TestPhotonPixelAssignment(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	p.HandleMarker(lineMarker(100))
	// Line 0 window covers [100, 120): pixel 0 at [100,110), pixel 1 at [110,120).
	p.HandleTimestamp(TimestampEvent{Macrotime: 105, Photon: Photon{Channel: 0, Microtime: 11}})
	p.HandleTimestamp(TimestampEvent{Macrotime: 110, Photon: Photon{Channel: 1, Microtime: 22}})
	// Fly-back: discarded silently.
	p.HandleTimestamp(TimestampEvent{Macrotime: 150})

	p.HandleMarker(lineMarker(200))
	p.HandleTimestamp(TimestampEvent{Macrotime: 219, Photon: Photon{Channel: 0, Microtime: 33}})

	want := []PixelPhotonEvent{
		{FrameIndex: 0, X: 0, Y: 0, Photon: Photon{Channel: 0, Microtime: 11}},
		{FrameIndex: 0, X: 1, Y: 0, Photon: Photon{Channel: 1, Microtime: 22}},
		{FrameIndex: 0, X: 1, Y: 1, Photon: Photon{Channel: 0, Microtime: 33}},
	}
	if len(sink.photons) != len(want) {
		t.Fatalf("photon count = %d, want %d", len(sink.photons), len(want))
	}
	for i, w := range want {
		if sink.photons[i] != w {
			t.Errorf("photon[%d] = %+v, want %+v", i, sink.photons[i], w)
		}
	}
	if len(sink.errors) != 0 {
		t.Errorf("discarded photons must be silent, got errors %v", sink.errors)
	}
	if got := p.Stats().DiscardedPhotons; got != 1 {
		t.Errorf("discarded count = %d, want 1", got)
	}
}

func TestPhotonsBeforeFirstLineDiscarded(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	p.HandleTimestamp(TimestampEvent{Macrotime: 50})
	if len(sink.photons) != 0 || len(sink.errors) != 0 {
		t.Errorf("pre-line photon emitted or errored: photons=%d errors=%v",
			len(sink.photons), sink.errors)
	}
}

func TestCausalOrderingOverManyFrames(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	// Five frames worth of markers with a photon in every pixel window.
	mt := uint64(1000)
	for line := 0; line < 10; line++ {
		p.HandleMarker(lineMarker(mt))
		p.HandleTimestamp(TimestampEvent{Macrotime: mt + 5})  // pixel 0
		p.HandleTimestamp(TimestampEvent{Macrotime: mt + 15}) // pixel 1
		mt += 100
	}
	p.HandleTimestamp(TimestampEvent{Macrotime: mt})
	p.Flush()
	p.Finish()

	if sink.causalErr {
		t.Error("photon delivered for a frame with no prior BeginFrame")
	}
	if len(sink.beginFrames) != 5 || len(sink.endFrames) != 5 {
		t.Errorf("frames begin=%d end=%d, want 5/5", len(sink.beginFrames), len(sink.endFrames))
	}
	// Every full frame contains a photon in each of its 2x2 pixels.
	counts := make(map[[3]uint64]int)
	for _, ph := range sink.photons {
		counts[[3]uint64{ph.FrameIndex, uint64(ph.X), uint64(ph.Y)}]++
	}
	for frame := uint64(0); frame < 5; frame++ {
		for y := uint64(0); y < 2; y++ {
			for x := uint64(0); x < 2; x++ {
				if counts[[3]uint64{frame, x, y}] != 1 {
					t.Errorf("frame %d pixel (%d,%d): count %d, want 1",
						frame, x, y, counts[[3]uint64{frame, x, y}])
				}
			}
		}
	}
}

func TestUseAfterFinish(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := p.HandleMarker(lineMarker(100)); !errors.Is(err, ErrFinished) {
		t.Errorf("HandleMarker after finish: err = %v, want ErrFinished", err)
	}
	if err := p.HandleTimestamp(TimestampEvent{Macrotime: 100}); !errors.Is(err, ErrFinished) {
		t.Errorf("HandleTimestamp after finish: err = %v, want ErrFinished", err)
	}
	if err := p.Flush(); !errors.Is(err, ErrFinished) {
		t.Errorf("Flush after finish: err = %v, want ErrFinished", err)
	}
	if err := p.Finish(); !errors.Is(err, ErrFinished) {
		t.Errorf("second Finish: err = %v, want ErrFinished", err)
	}
	if sink.finishCount != 1 {
		t.Errorf("finish count = %d, want 1", sink.finishCount)
	}
}

func TestOutOfOrderPolicies(t *testing.T) {
	t.Run("process", func(t *testing.T) {
		sink := newRecordSink()
		cfg := testConfig()
		cfg.OutOfOrder = OutOfOrderProcess
		p := mustPixellator(t, cfg, sink)

		p.HandleMarker(lineMarker(100))
		p.HandleTimestamp(TimestampEvent{Macrotime: 115})
		// Macrotime runs backwards: reported, then processed best-effort.
		p.HandleTimestamp(TimestampEvent{Macrotime: 105})
		if len(sink.errors) != 1 || !strings.Contains(sink.errors[0], "out-of-order") {
			t.Fatalf("errors = %v, want one out-of-order report", sink.errors)
		}
		if len(sink.photons) != 2 {
			t.Errorf("photon count = %d, want 2 (event processed)", len(sink.photons))
		}
	})

	t.Run("drop", func(t *testing.T) {
		sink := newRecordSink()
		cfg := testConfig()
		cfg.OutOfOrder = OutOfOrderDrop
		p := mustPixellator(t, cfg, sink)

		p.HandleMarker(lineMarker(100))
		p.HandleTimestamp(TimestampEvent{Macrotime: 115})
		p.HandleTimestamp(TimestampEvent{Macrotime: 105})
		if len(sink.errors) != 1 {
			t.Fatalf("errors = %v, want one out-of-order report", sink.errors)
		}
		if len(sink.photons) != 1 {
			t.Errorf("photon count = %d, want 1 (event dropped)", len(sink.photons))
		}
	})
}

func TestNegativeLineDelay(t *testing.T) {
	// Markers recorded at line ends: the pixel window starts before the
	// marker. Window for a marker at t=100 with delay -20 is [80, 100).
	sink := newRecordSink()
	cfg := testConfig()
	cfg.LineDelay = -20
	p := mustPixellator(t, cfg, sink)

	p.HandleMarker(lineMarker(100))
	p.HandleTimestamp(TimestampEvent{Macrotime: 85}) // pixel 0, out of order vs marker
	if len(sink.photons) != 1 {
		t.Fatalf("photon count = %d, want 1", len(sink.photons))
	}
	if sink.photons[0].X != 0 || sink.photons[0].Y != 0 {
		t.Errorf("photon at (%d,%d), want (0,0)", sink.photons[0].X, sink.photons[0].Y)
	}
}

func TestOneByOneFrameGeometry(t *testing.T) {
	sink := newRecordSink()
	cfg := testConfig()
	cfg.PixelsPerLine = 1
	cfg.LinesPerFrame = 1
	p := mustPixellator(t, cfg, sink)

	// Every line marker both opens a frame and closes the previous one.
	p.HandleMarker(lineMarker(100))
	p.HandleMarker(lineMarker(200))
	p.HandleMarker(lineMarker(300))
	if len(sink.beginFrames) != 3 {
		t.Errorf("begin frames = %v, want 3 frames", sink.beginFrames)
	}
	if len(sink.endFrames) != 2 {
		t.Errorf("end frames = %v, want [0 1]", sink.endFrames)
	}
	// Last frame closes once its single line has fully elapsed.
	p.HandleTimestamp(TimestampEvent{Macrotime: 320})
	p.Flush()
	if len(sink.endFrames) != 3 || sink.endFrames[2] != 2 {
		t.Errorf("end frames after flush = %v, want [0 1 2]", sink.endFrames)
	}
}

func TestConstructionRejectsBadGeometry(t *testing.T) {
	sink := newRecordSink()
	bad := []PixellatorConfig{
		{PixelsPerLine: 0, LinesPerFrame: 2, PixelInterval: 10, LineInterval: 20, LineMarkerBit: 1},
		{PixelsPerLine: 2, LinesPerFrame: 0, PixelInterval: 10, LineInterval: 20, LineMarkerBit: 1},
		{PixelsPerLine: 2, LinesPerFrame: 2, PixelInterval: 0, LineInterval: 20, LineMarkerBit: 1},
		{PixelsPerLine: 2, LinesPerFrame: 2, PixelInterval: 10, LineInterval: 0, LineMarkerBit: 1},
		{PixelsPerLine: 2, LinesPerFrame: 2, PixelInterval: 10, LineInterval: 20, LineMarkerBit: 16},
		{PixelsPerLine: 2, LinesPerFrame: 2, PixelInterval: 10, LineInterval: 20, LineMarkerBit: -1},
	}
	for i, cfg := range bad {
		if _, err := NewLineClockPixellator(cfg, sink); err == nil {
			t.Errorf("config %d: expected construction error", i)
		}
	}
	if _, err := NewLineClockPixellator(testConfig(), nil); err == nil {
		t.Error("nil sink: expected construction error")
	}
}

func TestHandleErrorForwards(t *testing.T) {
	sink := newRecordSink()
	p := mustPixellator(t, testConfig(), sink)

	p.HandleMarker(lineMarker(100))
	p.HandleError("fifo gap: records lost")
	// Advisory only: the stream keeps going.
	p.HandleTimestamp(TimestampEvent{Macrotime: 105})
	if len(sink.errors) != 1 || sink.errors[0] != "fifo gap: records lost" {
		t.Errorf("errors = %v", sink.errors)
	}
	if len(sink.photons) != 1 {
		t.Errorf("photon count = %d, want 1", len(sink.photons))
	}
}
