package flim

// EventSink receives the pixellator's output. All methods are invoked
// synchronously from the call that triggered them, so implementations must
// not block indefinitely or the acquisition feed stalls.
//
// BeginFrame and EndFrame are strictly paired and ordered: no PixelPhoton is
// delivered for a frame outside its BeginFrame/EndFrame window, and frame
// indices are monotonically increasing. A frame whose completeness cannot be
// determined at end of stream never receives an EndFrame. Error carries
// advisory data-level problems (out-of-order input, hardware FIFO gaps);
// the stream keeps advancing after one. Finish is delivered exactly once,
// after which no further calls are made.
type EventSink interface {
	BeginFrame(frameIndex uint64)
	EndFrame(frameIndex uint64)
	PixelPhoton(ev PixelPhotonEvent)
	Error(msg string)
	Finish()
}

// TeeSink fans the pixellator output out to several sinks in order.
type TeeSink []EventSink

func (t TeeSink) BeginFrame(frameIndex uint64) {
	for _, s := range t {
		s.BeginFrame(frameIndex)
	}
}

func (t TeeSink) EndFrame(frameIndex uint64) {
	for _, s := range t {
		s.EndFrame(frameIndex)
	}
}

func (t TeeSink) PixelPhoton(ev PixelPhotonEvent) {
	for _, s := range t {
		s.PixelPhoton(ev)
	}
}

func (t TeeSink) Error(msg string) {
	for _, s := range t {
		s.Error(msg)
	}
}

func (t TeeSink) Finish() {
	for _, s := range t {
		s.Finish()
	}
}
