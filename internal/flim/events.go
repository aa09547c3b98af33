// Package flim converts a time-ordered stream of TCSPC hardware events
// (scanner markers and photon timestamps) into discrete image frames of
// per-pixel photon events.
//
// The central type is LineClockPixellator, a push-driven state machine that
// infers pixel and frame boundaries from line marker timing alone. Decoded
// events are fed in one at a time; begin-frame, end-frame, pixel-photon,
// error, and finish notifications are delivered synchronously to an
// EventSink.
package flim

// Photon is the opaque payload of a detected photon: the routing channel it
// arrived on and its arrival microtime (time within the excitation period,
// in raw ADC units). The pixellator carries it through unchanged.
type Photon struct {
	Channel   uint8
	Microtime uint16
}

// MarkerEvent is one or more scanner marker lines asserted simultaneously.
// Bit positions within Bits are assigned per deployment; the pixellator is
// told which bit is the line clock via PixellatorConfig.
type MarkerEvent struct {
	Bits      uint16
	Macrotime uint64
}

// TimestampEvent is a detected photon, or a synthetic "last known time"
// probe used to advance the completion clock without carrying a photon.
type TimestampEvent struct {
	Macrotime uint64
	Photon    Photon
}

// Event is a decoded hardware event: either a MarkerEvent or a
// TimestampEvent. The set of implementations is closed.
type Event interface {
	event()
}

func (MarkerEvent) event()    {}
func (TimestampEvent) event() {}

// PixelPhotonEvent is a photon timestamp resolved to a pixel coordinate
// within a frame. X is the column in [0, PixelsPerLine); Y is the row in
// [0, LinesPerFrame); the Photon payload is carried unchanged from the
// source TimestampEvent.
type PixelPhotonEvent struct {
	FrameIndex uint64
	X          uint32
	Y          uint32
	Photon     Photon
}
