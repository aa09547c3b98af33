package flim

import (
	"fmt"
	"sort"
)

// adcBits is the microtime resolution of the SPC hardware ADC.
const adcBits = 12

// HistogramConfig configures a HistogramSink.
type HistogramConfig struct {
	Width  uint32
	Height uint32
	// HistogramBits sets the number of arrival-time bins per pixel to
	// 2^HistogramBits. Must be in 1..12; microtimes are mapped to bins by
	// discarding the low ADC bits.
	HistogramBits uint32
	// ChannelMask enables accumulation per routing channel (bit n enables
	// channel n). Photons on disabled channels are counted but not binned.
	ChannelMask uint16
	// Cumulative sums photons across all complete frames. When false the
	// histograms are reset at every BeginFrame, leaving only the most
	// recent frame's data.
	Cumulative bool
	// FrameLimit stops accumulation after this many complete frames
	// (0 = unlimited). OnFrameLimit is called once, synchronously, when the
	// limit is reached; the host uses it to stop feeding events.
	FrameLimit   uint64
	OnFrameLimit func()
}

func (c HistogramConfig) validate() error {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("flim: histogram dimensions must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.HistogramBits == 0 || c.HistogramBits > adcBits {
		return fmt.Errorf("flim: histogram bits must be in 1..%d, got %d", adcBits, c.HistogramBits)
	}
	if c.ChannelMask == 0 {
		return fmt.Errorf("flim: at least one channel must be enabled")
	}
	return nil
}

type channelHistogram struct {
	counts  []uint16
	photons uint64
}

// HistogramSink accumulates pixel photons into per-channel arrival-time
// histograms sized Width x Height x 2^HistogramBits. It implements
// EventSink and is the in-process stand-in for the downstream SDT data
// contract: bins saturate at 65535 to match the file format's uint16
// samples.
type HistogramSink struct {
	cfg      HistogramConfig
	bins     uint32
	channels map[uint8]*channelHistogram

	framesCompleted uint64
	frameOpen       bool
	finished        bool
	limitReached    bool

	offChannelPhotons uint64
	errorCount        uint64
}

// NewHistogramSink validates the configuration and allocates histograms for
// every enabled channel up front, so allocation failure surfaces at
// construction rather than mid-acquisition.
func NewHistogramSink(cfg HistogramConfig) (*HistogramSink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bins := uint32(1) << cfg.HistogramBits
	channels := make(map[uint8]*channelHistogram)
	for ch := 0; ch < 16; ch++ {
		if cfg.ChannelMask&(1<<uint(ch)) != 0 {
			channels[uint8(ch)] = &channelHistogram{
				counts: make([]uint16, cfg.Width*cfg.Height*bins),
			}
		}
	}
	return &HistogramSink{cfg: cfg, bins: bins, channels: channels}, nil
}

func (h *HistogramSink) BeginFrame(frameIndex uint64) {
	h.frameOpen = true
	if h.cfg.Cumulative {
		return
	}
	for _, ch := range h.channels {
		clear(ch.counts)
		ch.photons = 0
	}
}

func (h *HistogramSink) EndFrame(frameIndex uint64) {
	h.frameOpen = false
	h.framesCompleted++
	if h.cfg.FrameLimit > 0 && h.framesCompleted >= h.cfg.FrameLimit && !h.limitReached {
		h.limitReached = true
		if h.cfg.OnFrameLimit != nil {
			h.cfg.OnFrameLimit()
		}
	}
}

func (h *HistogramSink) PixelPhoton(ev PixelPhotonEvent) {
	ch, ok := h.channels[ev.Photon.Channel]
	if !ok {
		h.offChannelPhotons++
		return
	}
	if h.limitReached {
		// The host is already stopping; photons past the limit belong to a
		// frame that will not be kept.
		return
	}
	bin := uint32(ev.Photon.Microtime) >> (adcBits - h.cfg.HistogramBits)
	idx := (uint64(ev.Y)*uint64(h.cfg.Width)+uint64(ev.X))*uint64(h.bins) + uint64(bin)
	if ch.counts[idx] < 0xffff {
		ch.counts[idx]++
	}
	ch.photons++
}

func (h *HistogramSink) Error(msg string) { h.errorCount++ }

func (h *HistogramSink) Finish() { h.finished = true }

// Histogram returns the accumulated histogram for a channel in row-major
// pixel order with 2^HistogramBits bins per pixel, or false for a channel
// that is not enabled. The returned slice is the live buffer; callers must
// not mutate it.
func (h *HistogramSink) Histogram(channel uint8) ([]uint16, bool) {
	ch, ok := h.channels[channel]
	if !ok {
		return nil, false
	}
	return ch.counts, true
}

// Intensity returns the per-pixel photon count image for a channel.
func (h *HistogramSink) Intensity(channel uint8) ([]uint64, bool) {
	ch, ok := h.channels[channel]
	if !ok {
		return nil, false
	}
	img := make([]uint64, h.cfg.Width*h.cfg.Height)
	for i, c := range ch.counts {
		img[i/int(h.bins)] += uint64(c)
	}
	return img, true
}

// Channels returns the enabled channel numbers in ascending order.
func (h *HistogramSink) Channels() []uint8 {
	out := make([]uint8, 0, len(h.channels))
	for ch := range h.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Photons returns the number of photons binned for a channel.
func (h *HistogramSink) Photons(channel uint8) uint64 {
	if ch, ok := h.channels[channel]; ok {
		return ch.photons
	}
	return 0
}

// FramesCompleted returns the number of complete frames accumulated.
func (h *HistogramSink) FramesCompleted() uint64 { return h.framesCompleted }

// FrameLimitReached reports whether the configured frame limit has been hit.
func (h *HistogramSink) FrameLimitReached() bool { return h.limitReached }

// Finished reports whether the stream has ended.
func (h *HistogramSink) Finished() bool { return h.finished }

// OffChannelPhotons returns the number of photons that arrived on disabled
// routing channels.
func (h *HistogramSink) OffChannelPhotons() uint64 { return h.offChannelPhotons }

// ErrorCount returns the number of advisory stream errors observed.
func (h *HistogramSink) ErrorCount() uint64 { return h.errorCount }

// Bins returns the number of arrival-time bins per pixel.
func (h *HistogramSink) Bins() uint32 { return h.bins }

// Width returns the image width in pixels.
func (h *HistogramSink) Width() uint32 { return h.cfg.Width }

// Height returns the image height in pixels.
func (h *HistogramSink) Height() uint32 { return h.cfg.Height }
