package sdt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HardwareParams holds the user-configurable SPC module settings recorded
// in the measurement description block. Values not listed here are either
// not applicable to FIFO mode or derived from the acquisition itself.
type HardwareParams struct {
	CFDLimitLow   float32
	CFDLimitHigh  float32
	CFDZeroCross  float32
	CFDHoldoff    float32
	SyncZeroCross float32
	SyncFreqDiv   int16
	SyncHoldoff   float32
	SyncThreshold float32
	TACRangeNs    float32
	TACGain       int16
	TACOffset     float32
	TACLimitLow   float32
	TACLimitHigh  float32
	ExtLatchDelay int16
	DitherRange   int16
	Trigger       int16
	ExtPixclkDiv  int32
	MasterClock   bool
}

// RateCounterRanges holds the minimum and maximum rate counter readings
// observed during the acquisition, in counts per second.
type RateCounterRanges struct {
	MinSync, MaxSync float32
	MinCFD, MaxCFD   float32
	MinTAC, MaxTAC   float32
	MinADC, MaxADC   float32
}

// FileData describes one acquisition to be written as an .sdt file.
type FileData struct {
	// Date is "YYYY-MM-DD" and Time "HH:MM:SS", both local.
	Date string
	Time string

	ModelName    string
	SerialNumber string
	ModuleNumber uint8
	ModuleCode   uint16
	FPGAVersion  uint16

	Width         uint32
	Height        uint32
	HistogramBits uint32 // bins per pixel = 1 << HistogramBits

	PixelRateHz           float64
	MacrotimeUnitsTenthNs uint32

	PixelMarkersRecorded bool
	LineMarkersRecorded  bool
	FrameMarkersRecorded bool
	UsePixelMarkers      bool

	// HistogramTimeInverted records whether the microtime axis was
	// flipped when histogramming.
	HistogramTimeInverted bool

	AcquisitionDurationSeconds float64

	TimeOfFirstFrameMarkerSeconds  float64
	TimeBetweenFrameMarkersSeconds float64
	TimeBetweenLineMarkersSeconds  float64
	TimeBetweenPixelMarkersSeconds float64

	// RateCounters, when non-nil, records the observed rate counter
	// ranges in the stop info.
	RateCounters *RateCounterRanges

	Hardware HardwareParams
}

// ChannelData is the per-channel histogram and its bookkeeping.
type ChannelData struct {
	Channel                uint16
	PhotonCount            uint32
	LastPhotonTimeSeconds  float64
	// Histogram holds Width*Height*2^HistogramBits bins in pixel-major
	// order.
	Histogram []uint16
}

// WriteFile writes a complete .sdt file. The header is first written
// marked invalid and rewritten valid once everything else is in place, so
// a crash mid-write cannot leave a plausible-looking file behind.
func WriteFile(ws io.WriteSeeker, data *FileData, channels []*ChannelData) error {
	if len(channels) == 0 {
		return fmt.Errorf("sdt: no channels to write")
	}
	samplesPerChannel := int(data.Width) * int(data.Height) * (1 << data.HistogramBits)
	for _, ch := range channels {
		if len(ch.Histogram) != samplesPerChannel {
			return fmt.Errorf("sdt: channel %d histogram has %d bins, want %d",
				ch.Channel, len(ch.Histogram), samplesPerChannel)
		}
	}

	var header fileHeader
	header.Revision = int16(fileRevision | moduleTypeHeaderBits[data.ModelName]<<4)
	header.HeaderValid = headerNotValid

	// Placeholder header, marked invalid.
	if err := binary.Write(ws, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("sdt: writing header: %w", err)
	}

	pos, err := tell(ws)
	if err != nil {
		return err
	}
	header.InfoOffs = int32(pos)
	if err := writeIdentification(ws, data); err != nil {
		return err
	}
	if pos, err = tell(ws); err != nil {
		return err
	}
	header.InfoLength = int16(int32(pos) - header.InfoOffs)

	header.SetupOffs = int32(pos)
	if err := writeEmptySetup(ws); err != nil {
		return err
	}
	if pos, err = tell(ws); err != nil {
		return err
	}
	header.SetupLength = int16(int32(pos) - header.SetupOffs)

	header.MeasDescBlockOffs = int32(pos)
	header.NoOfMeasDescBlocks = int16(len(channels))
	header.MeasDescBlockLen = int16(binary.Size(measureInfo{}))
	for _, ch := range channels {
		if err := binary.Write(ws, binary.LittleEndian, measurementDesc(data, ch, len(channels))); err != nil {
			return fmt.Errorf("sdt: writing measurement description: %w", err)
		}
	}

	header.NoOfDataBlocks = int16(len(channels))
	header.DataBlockLength = uint32(samplesPerChannel * 2)
	header.Reserved1 = uint32(len(channels))

	// Each block header carries the offset of the next block, which is
	// only known once we get there, so it is patched retroactively.
	var nextOffsFieldPos int64
	for i, ch := range channels {
		if pos, err = tell(ws); err != nil {
			return err
		}
		if i == 0 {
			header.DataBlockOffs = int32(pos)
		} else {
			if err := patchUint32(ws, nextOffsFieldPos, uint32(pos)); err != nil {
				return err
			}
		}
		if nextOffsFieldPos, err = writeDataBlock(ws, data, ch, pos); err != nil {
			return err
		}
	}

	// Rewrite the now-valid header.
	header.HeaderValid = headerValid
	header.Chksum = checksum(&header)
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("sdt: seeking to header: %w", err)
	}
	if err := binary.Write(ws, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("sdt: rewriting header: %w", err)
	}
	return nil
}

func tell(ws io.WriteSeeker) (int64, error) {
	pos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("sdt: querying file position: %w", err)
	}
	return pos, nil
}

func patchUint32(ws io.WriteSeeker, fieldPos int64, v uint32) error {
	if _, err := ws.Seek(fieldPos, io.SeekStart); err != nil {
		return fmt.Errorf("sdt: seeking to offset field: %w", err)
	}
	if err := binary.Write(ws, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("sdt: patching offset field: %w", err)
	}
	if _, err := ws.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("sdt: seeking past end: %w", err)
	}
	return nil
}

func writeIdentification(ws io.Writer, data *FileData) error {
	// The ID is flanked by EOT (04h) characters in files written by BH
	// SPCM. The version string is copied from such a file.
	const crlf = "\r\n"
	text := fmt.Sprintf("*IDENTIFICAION"+crlf+
		"  ID        : \x04%s\x04"+crlf+
		"  Title     : OpenScan FLIM Image"+crlf+
		"  Version   : 3  980 M"+crlf+
		"  Revision  : %d bits ADC"+crlf+
		"  Date      : %s"+crlf+
		"  Time      : %s"+crlf+
		"  Author    : Unknown"+crlf+
		"  Company   : Unknown"+crlf+
		"  Contents  : FLIM histogram(s) generated by OpenScan"+crlf+
		"*END"+crlf+crlf,
		dataIdentifier, data.HistogramBits, data.Date, data.Time)
	if _, err := io.WriteString(ws, text); err != nil {
		return fmt.Errorf("sdt: writing identification: %w", err)
	}
	return nil
}

func writeEmptySetup(ws io.Writer) error {
	if _, err := io.WriteString(ws, "*SETUP\r\n*END\r\n\r\n"); err != nil {
		return fmt.Errorf("sdt: writing setup: %w", err)
	}
	return nil
}

// measurementDesc fills a measureInfo the way SPCM does for FIFO Image
// mode data, leaving fields for inapplicable hardware features zero.
func measurementDesc(data *FileData, ch *ChannelData, numChannels int) *measureInfo {
	p := &data.Hardware

	var b measureInfo
	copyString(b.Time[:], data.Time)
	copyString(b.Date[:], data.Date)
	copyString(b.ModSerNo[:], data.SerialNumber)

	b.MeasMode = measModeFIFOImage

	b.CFDLL = p.CFDLimitLow
	b.CFDLH = p.CFDLimitHigh
	b.CFDZC = p.CFDZeroCross
	b.CFDHF = p.CFDHoldoff

	b.SynZC = p.SyncZeroCross
	b.SynFD = p.SyncFreqDiv
	b.SynHF = p.SyncHoldoff

	b.TACRange = p.TACRangeNs * 1e-9
	b.TACGain = p.TACGain
	b.TACOf = p.TACOffset
	b.TACLL = p.TACLimitLow
	b.TACLH = p.TACLimitHigh

	b.ADCRes = int16(1 << data.HistogramBits)
	b.EALDe = p.ExtLatchDelay

	// 'ncx' and 'ncy' are undocumented but match these values in FIFO
	// Image mode files.
	b.NCX = int16(numChannels)
	b.NCY = 1
	b.Page = 1

	// Collection timer and repetition are not used.
	b.Overfl = 'N'
	b.Steps = 1
	b.Dither = p.DitherRange
	b.Incr = 1

	copyString(b.ModType[:], data.ModelName)
	b.SynTh = p.SyncThreshold

	// Marker polarity does not affect the data; hard-code rising edge.
	if data.LineMarkersRecorded {
		b.PolarityL = 1
	} else {
		b.PolarityL = 2
	}
	b.PolarityF = 1
	b.PolarityP = 1

	b.FlbckY = 1
	b.FlbckX = 1

	if data.PixelRateHz > 0 {
		b.PixTime = float32(1.0 / data.PixelRateHz)
	}
	if data.UsePixelMarkers {
		b.PixClk = 1
	}
	b.Trigger = p.Trigger

	b.EpxDiv = p.ExtPixclkDiv
	b.ModTypeCode = data.ModuleCode
	b.ModFPGAVer = data.FPGAVersion
	b.Cycles = 1

	b.StopInfo = stopDesc(data)
	b.FCSInfo = fcsDesc(data, ch)

	b.ImageX = int32(data.Width)
	b.ImageY = int32(data.Height)
	b.ImageRX = int32(b.NCX)
	b.ImageRY = 1

	if p.MasterClock {
		b.DigFlags |= 1
	}
	if data.HistogramTimeInverted {
		b.DigFlags |= 1 << 2
	}

	b.HISTInfoExt.FirstFrameTime = float32(data.TimeOfFirstFrameMarkerSeconds)
	b.HISTInfoExt.FrameTime = float32(data.TimeBetweenFrameMarkersSeconds)
	b.HISTInfoExt.LineTime = float32(data.TimeBetweenLineMarkersSeconds)
	b.HISTInfoExt.PixelTime = float32(data.TimeBetweenPixelMarkersSeconds)

	b.MosaicX = 1
	b.MosaicY = 1
	b.FramesPerEl = 1
	b.ChanPerEl = 1

	return &b
}

func stopDesc(data *FileData) stopInfo {
	s := stopInfo{
		Status:   stopStatusCommand,
		StopTime: float32(data.AcquisitionDurationSeconds),
		CurStep:  1,
		CurCycle: 1,
		CurPage:  1,
	}
	// Saved histograms always consist of whole frames, so the end of
	// frame is reported found.
	if data.PixelMarkersRecorded {
		s.Flags |= 1 << 0
	}
	if data.LineMarkersRecorded {
		s.Flags |= 1 << 1
	}
	if data.FrameMarkersRecorded {
		s.Flags |= 1 << 2
	}
	s.Flags |= 1<<7 | 1<<8

	if rc := data.RateCounters; rc != nil {
		s.Flags |= 1 << 15
		s.MinSyncRate, s.MaxSyncRate = rc.MinSync, rc.MaxSync
		s.MinCFDRate, s.MaxCFDRate = rc.MinCFD, rc.MaxCFD
		s.MinTACRate, s.MaxTACRate = rc.MinTAC, rc.MaxTAC
		s.MinADCRate, s.MaxADCRate = rc.MinADC, rc.MaxADC
	} else {
		s.MinSyncRate, s.MaxSyncRate = -1, -1
		s.MinCFDRate, s.MaxCFDRate = -1, -1
		s.MinTACRate, s.MaxTACRate = -1, -1
		s.MinADCRate, s.MaxADCRate = -1, -1
	}
	return s
}

func fcsDesc(data *FileData, ch *ChannelData) fcsInfo {
	return fcsInfo{
		Chan:         ch.Channel,
		FCSDecayCalc: 1 << 5, // 3D image
		MTResol:      data.MacrotimeUnitsTenthNs,
		Cortime:      1.0,
		CalcPhotons:  ch.PhotonCount,
		EndTime:      float32(ch.LastPhotonTimeSeconds),
		CrossChan:    ch.Channel,
		Mod:          uint16(data.ModuleNumber),
		CrossMod:     uint16(data.ModuleNumber),
		CrossMTResol: data.MacrotimeUnitsTenthNs,
	}
}

// writeDataBlock writes the block header and histogram samples, returning
// the file position of the header's next_block_offs field so the next
// block can patch it.
func writeDataBlock(ws io.WriteSeeker, data *FileData, ch *ChannelData, headerPos int64) (int64, error) {
	h := blockHeader{
		DataOffs:        int32(headerPos) + int32(binary.Size(blockHeader{})),
		BlockType:       blockTypeFIFOData | blockTypeImageBlock | blockTypeUint16,
		MeasDescBlockNo: int16(ch.Channel),
		LblockNo:        uint32(data.ModuleNumber)<<24 | uint32(ch.Channel),
		BlockLength:     uint32(len(ch.Histogram) * 2),
	}
	if err := binary.Write(ws, binary.LittleEndian, &h); err != nil {
		return 0, fmt.Errorf("sdt: writing block header: %w", err)
	}
	if err := binary.Write(ws, binary.LittleEndian, ch.Histogram); err != nil {
		return 0, fmt.Errorf("sdt: writing histogram data: %w", err)
	}
	// next_block_offs sits 6 bytes into the block header.
	return headerPos + 6, nil
}

// checksum computes the header checksum over the serialized header words,
// excluding the checksum field itself.
func checksum(h *fileHeader) uint16 {
	var buf [42]byte
	w := sliceWriter(buf[:0])
	if err := binary.Write(&w, binary.LittleEndian, h); err != nil {
		panic(err) // fixed-size struct, cannot fail
	}
	var sum uint16
	for i := 0; i+2 <= len(buf)-2; i += 2 {
		sum += binary.LittleEndian.Uint16(buf[i:])
	}
	return headerChecksum - sum
}

type sliceWriter []byte

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

func copyString(dst []byte, s string) {
	copy(dst, s)
}
