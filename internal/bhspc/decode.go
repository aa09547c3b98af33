// Package bhspc decodes Becker & Hickl SPC-series FIFO event records into
// the pixellator's event stream, and reads and writes the raw .spc files
// those records are archived in.
//
// Standard FIFO records are 32-bit little-endian words:
//
//	bits  0-11  macrotime (low 12 bits, ticks since last overflow)
//	bits 12-15  routing channel; marker bits for marker records
//	bits 16-27  ADC value (photon microtime, hardware-reversed ramp)
//	bit  28     MARK   record is a scanner marker, not a photon
//	bit  29     GAP    the hardware FIFO overflowed before this record
//	bit  30     MTOV   one macrotime overflow occurred before this record
//	bit  31     INVALID
//
// A record with INVALID and MTOV set but MARK clear carries a macrotime
// overflow count in bits 0-27 instead of event data; one overflow period is
// 2^12 ticks.
package bhspc

import (
	"encoding/binary"
	"fmt"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/flim"
)

// RecordSize is the size of one FIFO record in bytes.
const RecordSize = 4

const (
	macroLowBits  = 12
	macroLowMask  = 1<<macroLowBits - 1
	overflowTicks = 1 << macroLowBits

	routShift = 12
	routMask  = 0xf

	adcShift = 16
	adcMask  = 0xfff
	adcMax   = 0xfff

	flagMark    = 1 << 28
	flagGap     = 1 << 29
	flagMTOV    = 1 << 30
	flagInvalid = 1 << 31

	overflowCountMask = 1<<28 - 1
)

// DecoderStats counts the record types a Decoder has seen.
type DecoderStats struct {
	Records   uint64
	Photons   uint64
	Markers   uint64
	Overflows uint64 // overflow periods accumulated, not records
	Invalid   uint64 // invalid records with no event content
	Gaps      uint64
}

// Decoder turns raw FIFO records into events, maintaining the running
// macrotime overflow base so emitted macrotimes are absolute. One decoder
// decodes one stream; it is not safe for concurrent use.
type Decoder struct {
	base    uint64 // accumulated overflow offset in ticks
	onError func(msg string)
	stats   DecoderStats
}

// NewDecoder returns a decoder. Data-level problems (FIFO gaps) are
// reported through onError, which may be nil; decoding always continues.
func NewDecoder(onError func(msg string)) *Decoder {
	if onError == nil {
		onError = func(string) {}
	}
	return &Decoder{onError: onError}
}

// DecodeRecord decodes a single record. The second return value is false
// for records that carry no event (overflow counters, invalid records).
func (d *Decoder) DecodeRecord(rec uint32) (flim.Event, bool) {
	d.stats.Records++

	if rec&flagGap != 0 {
		d.stats.Gaps++
		d.onError("fifo gap: hardware FIFO overflowed, events lost")
	}

	invalid := rec&flagInvalid != 0
	mark := rec&flagMark != 0
	mtov := rec&flagMTOV != 0

	if invalid && mtov && !mark {
		// Multi-overflow record: bits 0-27 hold the overflow count.
		count := uint64(rec & overflowCountMask)
		d.base += count * overflowTicks
		d.stats.Overflows += count
		return nil, false
	}

	if mtov {
		d.base += overflowTicks
		d.stats.Overflows++
	}

	macrotime := d.base + uint64(rec&macroLowMask)

	if mark {
		d.stats.Markers++
		return flim.MarkerEvent{
			Bits:      uint16(rec >> routShift & routMask),
			Macrotime: macrotime,
		}, true
	}

	if invalid {
		d.stats.Invalid++
		return nil, false
	}

	d.stats.Photons++
	return flim.TimestampEvent{
		Macrotime: macrotime,
		Photon: flim.Photon{
			Channel: uint8(rec >> routShift & routMask),
			// The ADC ramp runs backwards in the hardware; invert so
			// microtime increases with arrival time.
			Microtime: uint16(adcMax - (rec >> adcShift & adcMask)),
		},
	}, true
}

// DecodeBatch decodes a buffer of whole records, invoking emit for each
// event-carrying record. The buffer length must be a multiple of
// RecordSize.
func (d *Decoder) DecodeBatch(buf []byte, emit func(flim.Event)) error {
	if len(buf)%RecordSize != 0 {
		return fmt.Errorf("bhspc: batch of %d bytes is not whole records", len(buf))
	}
	for i := 0; i < len(buf); i += RecordSize {
		if ev, ok := d.DecodeRecord(binary.LittleEndian.Uint32(buf[i:])); ok {
			emit(ev)
		}
	}
	return nil
}

// Stats returns the record counters.
func (d *Decoder) Stats() DecoderStats { return d.stats }

// Macrotime returns the current absolute macrotime base plus nothing; it is
// the largest overflow-adjusted offset applied so far and serves as a lower
// bound for the next event's macrotime.
func (d *Decoder) Macrotime() uint64 { return d.base }
