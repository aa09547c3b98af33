package flim

import (
	"math"
	"testing"
)

// fill pushes photons through one frame: three at pixel (1,1) in bin 2 and
// one at pixel (0,0) in bin 5 of a 16-bin histogram.
func fillAnalysisSink(t *testing.T) *HistogramSink {
	t.Helper()
	h, err := NewHistogramSink(HistogramConfig{
		Width: 2, Height: 2, HistogramBits: 4, ChannelMask: 1, Cumulative: true,
	})
	if err != nil {
		t.Fatalf("NewHistogramSink: %v", err)
	}
	h.BeginFrame(0)
	for i := 0; i < 3; i++ {
		h.PixelPhoton(PixelPhotonEvent{X: 1, Y: 1, Photon: Photon{Microtime: 2 << 8}})
	}
	h.PixelPhoton(PixelPhotonEvent{X: 0, Y: 0, Photon: Photon{Microtime: 5 << 8}})
	h.EndFrame(0)
	return h
}

func TestDecayCurve(t *testing.T) {
	h := fillAnalysisSink(t)

	curve, ok := DecayCurve(h, 0)
	if !ok {
		t.Fatal("channel 0 not enabled")
	}
	if len(curve) != 16 {
		t.Fatalf("curve length = %d, want 16", len(curve))
	}
	if curve[2] != 3 || curve[5] != 1 {
		t.Errorf("curve[2]=%v curve[5]=%v, want 3 and 1", curve[2], curve[5])
	}
	if _, ok := DecayCurve(h, 7); ok {
		t.Error("disabled channel reported a curve")
	}
}

func TestMeanArrivalBin(t *testing.T) {
	curve := make([]float64, 16)
	curve[0] = 1
	curve[2] = 1
	if got := MeanArrivalBin(curve); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("mean bin = %v, want 1.5", got)
	}
	if got := MeanArrivalBin(make([]float64, 16)); got != 0 {
		t.Errorf("empty curve mean = %v, want 0", got)
	}
}

func TestMeanArrivalImage(t *testing.T) {
	h := fillAnalysisSink(t)

	img, ok := MeanArrivalImage(h, 0)
	if !ok {
		t.Fatal("channel 0 not enabled")
	}
	if math.Abs(img[3]-2.5) > 1e-9 {
		t.Errorf("pixel (1,1) mean = %v, want 2.5", img[3])
	}
	if math.Abs(img[0]-5.5) > 1e-9 {
		t.Errorf("pixel (0,0) mean = %v, want 5.5", img[0])
	}
	if img[1] != 0 || img[2] != 0 {
		t.Errorf("empty pixels = %v,%v, want 0,0", img[1], img[2])
	}
}

func TestSummarize(t *testing.T) {
	h := fillAnalysisSink(t)

	summaries := Summarize(h)
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Channel != 0 || s.Photons != 4 || s.PeakBin != 2 {
		t.Errorf("summary = %+v", s)
	}
	want := (3*2.5 + 1*5.5) / 4
	if math.Abs(s.MeanBin-want) > 1e-9 {
		t.Errorf("mean bin = %v, want %v", s.MeanBin, want)
	}
	if s.BrightestX != 1 || s.BrightestY != 1 {
		t.Errorf("brightest pixel = (%d,%d), want (1,1)", s.BrightestX, s.BrightestY)
	}
}
