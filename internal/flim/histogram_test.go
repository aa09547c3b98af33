package flim

import (
	"math"
	"testing"
)

func histConfig() HistogramConfig {
	return HistogramConfig{
		Width:         2,
		Height:        2,
		HistogramBits: 8,
		ChannelMask:   0x3, // channels 0 and 1
		Cumulative:    true,
	}
}

func TestHistogramAccumulation(t *testing.T) {
	h, err := NewHistogramSink(histConfig())
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}

	h.BeginFrame(0)
	// Microtime 0x400 with 8-bit histogram lands in bin 0x400>>4 = 64.
	h.PixelPhoton(PixelPhotonEvent{FrameIndex: 0, X: 1, Y: 0, Photon: Photon{Channel: 0, Microtime: 0x400}})
	h.PixelPhoton(PixelPhotonEvent{FrameIndex: 0, X: 1, Y: 0, Photon: Photon{Channel: 0, Microtime: 0x400}})
	h.PixelPhoton(PixelPhotonEvent{FrameIndex: 0, X: 0, Y: 1, Photon: Photon{Channel: 1, Microtime: 0xfff}})
	h.EndFrame(0)

	counts, ok := h.Histogram(0)
	if !ok {
		t.Fatal("channel 0 not enabled")
	}
	bins := int(h.Bins())
	if bins != 256 {
		t.Fatalf("bins = %d, want 256", bins)
	}
	// Pixel (1,0) is index 1 in row-major order.
	if got := counts[1*bins+64]; got != 2 {
		t.Errorf("channel 0 pixel (1,0) bin 64 = %d, want 2", got)
	}
	counts1, _ := h.Histogram(1)
	// Microtime 0xfff lands in the last bin of pixel (0,1) = index 2.
	if got := counts1[2*bins+255]; got != 1 {
		t.Errorf("channel 1 pixel (0,1) bin 255 = %d, want 1", got)
	}
	if h.Photons(0) != 2 || h.Photons(1) != 1 {
		t.Errorf("photon counts = %d,%d, want 2,1", h.Photons(0), h.Photons(1))
	}
	if h.FramesCompleted() != 1 {
		t.Errorf("frames completed = %d, want 1", h.FramesCompleted())
	}
}

func TestHistogramOffChannelPhotons(t *testing.T) {
	cfg := histConfig()
	cfg.ChannelMask = 0x1
	h, err := NewHistogramSink(cfg)
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}
	h.BeginFrame(0)
	h.PixelPhoton(PixelPhotonEvent{Photon: Photon{Channel: 3}})
	if h.OffChannelPhotons() != 1 {
		t.Errorf("off-channel photons = %d, want 1", h.OffChannelPhotons())
	}
	if h.Photons(3) != 0 {
		t.Errorf("disabled channel accumulated photons")
	}
}

func TestHistogramPerFrameMode(t *testing.T) {
	cfg := histConfig()
	cfg.Cumulative = false
	h, err := NewHistogramSink(cfg)
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}

	h.BeginFrame(0)
	h.PixelPhoton(PixelPhotonEvent{X: 0, Y: 0, Photon: Photon{Channel: 0, Microtime: 0}})
	h.EndFrame(0)

	// The next frame resets the counts.
	h.BeginFrame(1)
	counts, _ := h.Histogram(0)
	if counts[0] != 0 {
		t.Errorf("per-frame histogram not reset: bin 0 = %d", counts[0])
	}
	if h.Photons(0) != 0 {
		t.Errorf("per-frame photon count not reset: %d", h.Photons(0))
	}
}

func TestHistogramFrameLimit(t *testing.T) {
	cfg := histConfig()
	cfg.FrameLimit = 2
	fired := 0
	cfg.OnFrameLimit = func() { fired++ }
	h, err := NewHistogramSink(cfg)
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}

	h.BeginFrame(0)
	h.EndFrame(0)
	if fired != 0 {
		t.Errorf("limit fired after one frame")
	}
	h.BeginFrame(1)
	h.EndFrame(1)
	if fired != 1 {
		t.Errorf("limit fired %d times, want 1", fired)
	}
	if !h.FrameLimitReached() {
		t.Error("FrameLimitReached = false after limit")
	}
	// Past the limit: photons are ignored and the callback does not refire.
	h.BeginFrame(2)
	h.PixelPhoton(PixelPhotonEvent{Photon: Photon{Channel: 0}})
	h.EndFrame(2)
	if h.Photons(0) != 0 {
		t.Errorf("photons accumulated past frame limit: %d", h.Photons(0))
	}
	if fired != 1 {
		t.Errorf("limit callback refired: %d", fired)
	}
}

func TestHistogramConfigValidation(t *testing.T) {
	bad := []HistogramConfig{
		{Width: 0, Height: 2, HistogramBits: 8, ChannelMask: 1},
		{Width: 2, Height: 0, HistogramBits: 8, ChannelMask: 1},
		{Width: 2, Height: 2, HistogramBits: 0, ChannelMask: 1},
		{Width: 2, Height: 2, HistogramBits: 13, ChannelMask: 1},
		{Width: 2, Height: 2, HistogramBits: 8, ChannelMask: 0},
	}
	for i, cfg := range bad {
		if _, err := NewHistogramSink(cfg); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
}

func TestDecayCurveAndSummary(t *testing.T) {
	cfg := HistogramConfig{Width: 1, Height: 1, HistogramBits: 4, ChannelMask: 1, Cumulative: true}
	h, err := NewHistogramSink(cfg)
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}

	h.BeginFrame(0)
	// 3 photons in bin 2, 1 photon in bin 4 (microtime<<8 maps bin n to
	// raw ADC value n*256 with 4-bit histograms).
	for i := 0; i < 3; i++ {
		h.PixelPhoton(PixelPhotonEvent{Photon: Photon{Channel: 0, Microtime: 2 << 8}})
	}
	h.PixelPhoton(PixelPhotonEvent{Photon: Photon{Channel: 0, Microtime: 4 << 8}})
	h.EndFrame(0)

	curve, ok := DecayCurve(h, 0)
	if !ok {
		t.Fatal("DecayCurve: channel missing")
	}
	if curve[2] != 3 || curve[4] != 1 {
		t.Errorf("curve bins = %v", curve)
	}

	// Weighted mean of centers 2.5 (w=3) and 4.5 (w=1) is 3.0.
	mean := MeanArrivalBin(curve)
	if math.Abs(mean-3.0) > 1e-9 {
		t.Errorf("mean arrival bin = %v, want 3.0", mean)
	}

	sums := Summarize(h)
	if len(sums) != 1 {
		t.Fatalf("summaries = %d, want 1", len(sums))
	}
	if sums[0].Photons != 4 || sums[0].PeakBin != 2 {
		t.Errorf("summary = %+v", sums[0])
	}

	img, ok := MeanArrivalImage(h, 0)
	if !ok || len(img) != 1 {
		t.Fatalf("mean arrival image = %v,%v", img, ok)
	}
	if math.Abs(img[0]-3.0) > 1e-9 {
		t.Errorf("mean arrival image pixel = %v, want 3.0", img[0])
	}
}

func TestTeeSinkFansOut(t *testing.T) {
	a := newRecordSink()
	b := newRecordSink()
	tee := TeeSink{a, b}

	tee.BeginFrame(0)
	tee.PixelPhoton(PixelPhotonEvent{FrameIndex: 0})
	tee.EndFrame(0)
	tee.Error("x")
	tee.Finish()

	for i, s := range []*recordSink{a, b} {
		if len(s.beginFrames) != 1 || len(s.endFrames) != 1 ||
			len(s.photons) != 1 || len(s.errors) != 1 || s.finishCount != 1 {
			t.Errorf("sink %d missed callbacks: %+v", i, s)
		}
	}
}
