package bhspc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamEncoder produces a well-formed FIFO record stream from absolute
// macrotimes, inserting MTOV flags and multi-overflow records as the
// macrotime advances across overflow periods. It is the inverse of Decoder
// and exists for the synthetic stream generator and tests.
type StreamEncoder struct {
	w    io.Writer
	base uint64
	buf  [RecordSize]byte
}

// NewStreamEncoder returns an encoder writing records to w.
func NewStreamEncoder(w io.Writer) *StreamEncoder {
	return &StreamEncoder{w: w}
}

// advance emits whatever overflow bookkeeping is needed to represent
// macrotime, and returns the record flag bits (possibly MTOV) plus the
// 12-bit macrotime field for the next record.
func (e *StreamEncoder) advance(macrotime uint64) (uint32, uint32, error) {
	if macrotime < e.base {
		return 0, 0, fmt.Errorf("bhspc: macrotime %d precedes stream position %d", macrotime, e.base)
	}
	periods := (macrotime - e.base) / overflowTicks
	switch {
	case periods == 0:
		return 0, uint32(macrotime - e.base), nil
	case periods == 1:
		e.base += overflowTicks
		return flagMTOV, uint32(macrotime - e.base), nil
	default:
		if periods > overflowCountMask {
			return 0, 0, fmt.Errorf("bhspc: macrotime jump of %d overflow periods too large", periods)
		}
		if err := e.writeRecord(flagInvalid | flagMTOV | uint32(periods)); err != nil {
			return 0, 0, err
		}
		e.base += periods * overflowTicks
		return 0, uint32(macrotime - e.base), nil
	}
}

// Photon encodes a photon record at the given absolute macrotime.
// Microtime is stored as the hardware's reversed ADC ramp.
func (e *StreamEncoder) Photon(macrotime uint64, channel uint8, microtime uint16) error {
	if channel > routMask {
		return fmt.Errorf("bhspc: routing channel %d out of range", channel)
	}
	if microtime > adcMax {
		return fmt.Errorf("bhspc: microtime %d exceeds %d-bit ADC", microtime, macroLowBits)
	}
	flags, mt, err := e.advance(macrotime)
	if err != nil {
		return err
	}
	rec := flags | mt |
		uint32(channel)<<routShift |
		uint32(adcMax-microtime)<<adcShift
	return e.writeRecord(rec)
}

// Marker encodes a marker record carrying the given marker bits.
func (e *StreamEncoder) Marker(macrotime uint64, bits uint16) error {
	if bits > routMask {
		return fmt.Errorf("bhspc: marker bits %#x exceed the routing field", bits)
	}
	flags, mt, err := e.advance(macrotime)
	if err != nil {
		return err
	}
	rec := flags | flagMark | flagInvalid | mt | uint32(bits)<<routShift
	return e.writeRecord(rec)
}

func (e *StreamEncoder) writeRecord(rec uint32) error {
	binary.LittleEndian.PutUint32(e.buf[:], rec)
	_, err := e.w.Write(e.buf[:])
	return err
}
