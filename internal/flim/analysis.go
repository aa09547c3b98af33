package flim

import "gonum.org/v1/gonum/stat"

// DecayCurve sums a channel's histogram over all pixels, producing the
// aggregate fluorescence decay: one count total per arrival-time bin.
func DecayCurve(h *HistogramSink, channel uint8) ([]float64, bool) {
	counts, ok := h.Histogram(channel)
	if !ok {
		return nil, false
	}
	bins := int(h.Bins())
	curve := make([]float64, bins)
	for i, c := range counts {
		curve[i%bins] += float64(c)
	}
	return curve, true
}

// MeanArrivalBin returns the photon-weighted mean arrival-time bin of a
// decay curve, the "fast FLIM" lifetime estimate in bin units. It returns
// NaN-free 0 for an empty curve.
func MeanArrivalBin(curve []float64) float64 {
	total := 0.0
	for _, c := range curve {
		total += c
	}
	if total == 0 {
		return 0
	}
	centers := make([]float64, len(curve))
	for i := range centers {
		centers[i] = float64(i) + 0.5
	}
	return stat.Mean(centers, curve)
}

// MeanArrivalImage computes the per-pixel mean arrival-time bin for a
// channel. Pixels with no photons are reported as 0.
func MeanArrivalImage(h *HistogramSink, channel uint8) ([]float64, bool) {
	counts, ok := h.Histogram(channel)
	if !ok {
		return nil, false
	}
	bins := int(h.Bins())
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = float64(i) + 0.5
	}
	weights := make([]float64, bins)
	img := make([]float64, int(h.Width())*int(h.Height()))
	for px := range img {
		total := 0.0
		for b := 0; b < bins; b++ {
			w := float64(counts[px*bins+b])
			weights[b] = w
			total += w
		}
		if total == 0 {
			continue
		}
		img[px] = stat.Mean(centers, weights)
	}
	return img, true
}

// ChannelSummary is the per-channel fast-FLIM summary shown by the status
// API and the converter's -stats flag.
type ChannelSummary struct {
	Channel    uint8   `json:"channel"`
	Photons    uint64  `json:"photons"`
	PeakBin    int     `json:"peak_bin"`
	MeanBin    float64 `json:"mean_bin"`
	BrightestX uint32  `json:"brightest_x"`
	BrightestY uint32  `json:"brightest_y"`
}

// Summarize computes summaries for every enabled channel.
func Summarize(h *HistogramSink) []ChannelSummary {
	out := make([]ChannelSummary, 0, len(h.Channels()))
	for _, ch := range h.Channels() {
		curve, _ := DecayCurve(h, ch)
		peak := 0
		for i, c := range curve {
			if c > curve[peak] {
				peak = i
			}
		}
		intensity, _ := h.Intensity(ch)
		brightest := 0
		for i, c := range intensity {
			if c > intensity[brightest] {
				brightest = i
			}
		}
		out = append(out, ChannelSummary{
			Channel:    ch,
			Photons:    h.Photons(ch),
			PeakBin:    peak,
			MeanBin:    MeanArrivalBin(curve),
			BrightestX: uint32(brightest) % h.Width(),
			BrightestY: uint32(brightest) / h.Width(),
		})
	}
	return out
}
