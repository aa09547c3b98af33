// Package sdt writes Becker & Hickl .sdt histogram files.
//
// This is not a general-purpose SDT writer; it only writes the kind of
// histogram data this software produces. Files are written as if they came
// from SPCM's FIFO Image mode even though the photon data is acquired in
// plain FIFO mode. The format is partially documented in the BH TCSPC
// Handbook; the remaining details were determined by inspecting .sdt files
// written by BH SPCM.
package sdt

// The on-disk structures are fully packed little-endian. They are written
// with binary.Write, so every field must have a fixed size and the struct
// sizes must match the byte layouts exactly (the tests pin them).

const (
	headerValid    = 0x5555
	headerNotValid = 0x1111
	headerChecksum = 0x55aa

	fileRevision = 15 // software (file format) revision, low nibble

	// block_type fields: FIFO_DATA | IMG_BLOCK | DATA_USHORT.
	blockTypeFIFOData   = 0x0005
	blockTypeImageBlock = 0x0060
	blockTypeUint16     = 0x0000

	// 'meas_mode' is undocumented; SPCM saves 13 in FIFO Image mode.
	measModeFIFOImage = 13

	// StopInfo.status when the measurement was stopped by user command.
	stopStatusCommand = 0x10

	// FIFO Image mode data, flanked by EOT characters in the
	// identification block.
	dataIdentifier = "SPC FCS Data File"
)

// fileHeader is the 42-byte bhfile_header at the start of every .sdt file.
type fileHeader struct {
	Revision           int16
	InfoOffs           int32
	InfoLength         int16
	SetupOffs          int32
	SetupLength        int16
	DataBlockOffs      int32
	NoOfDataBlocks     int16
	DataBlockLength    uint32
	MeasDescBlockOffs  int32
	NoOfMeasDescBlocks int16
	MeasDescBlockLen   int16
	HeaderValid        uint16
	Reserved1          uint32 // holds the data block count in SPCM files
	Reserved2          uint16
	Chksum             uint16
}

// blockHeader is the 22-byte header preceding each data block.
type blockHeader struct {
	BlockNo         int16
	DataOffs        int32
	NextBlockOffs   int32
	BlockType       uint16
	MeasDescBlockNo int16
	LblockNo        uint32
	BlockLength     uint32
}

type stopInfo struct {
	Status      uint16
	Flags       uint16
	StopTime    float32 // seconds
	CurStep     int32
	CurCycle    int32
	CurPage     int32
	MinSyncRate float32
	MinCFDRate  float32
	MinTACRate  float32
	MinADCRate  float32
	MaxSyncRate float32
	MaxCFDRate  float32
	MaxTACRate  float32
	MaxADCRate  float32
	Reserved1   int32
	Reserved2   float32
}

type fcsInfo struct {
	Chan         uint16
	FCSDecayCalc uint16
	MTResol      uint32 // macrotime unit, 0.1 ns
	Cortime      float32
	CalcPhotons  uint32
	FCSPoints    int32
	EndTime      float32 // seconds
	Overruns     uint16
	FCSType      uint16
	CrossChan    uint16
	Mod          uint16
	CrossMod     uint16
	CrossMTResol uint32
}

type histInfo struct {
	FidaTime    float32
	FildaTime   float32
	FidaPoints  int32
	FildaPoints int32
	MCSTime     float32
	MCSPoints   int32
}

type histInfoExt struct {
	FirstFrameTime float32
	FrameTime      float32
	LineTime       float32
	PixelTime      float32
	ScanType       int16
	Skip2ndLineClk int16
	RightBorder    int32
	Info           [4]byte
}

// measureInfo is the 512-byte measurement description block, one per
// channel. All known fields are listed in order, even those left zero.
type measureInfo struct {
	Time     [9]byte
	Date     [11]byte
	ModSerNo [16]byte
	MeasMode int16

	CFDLL float32
	CFDLH float32
	CFDZC float32
	CFDHF float32

	SynZC float32
	SynFD int16
	SynHF float32

	TACRange float32 // seconds
	TACGain  int16
	TACOf    float32
	TACLL    float32
	TACLH    float32

	ADCRes  int16
	EALDe   int16
	NCX     int16
	NCY     int16
	Page    uint16
	ColT    float32
	RepT    float32
	StopT   int16
	Overfl  byte
	UseMotor int16
	Steps    uint16
	Offset   float32
	Dither   int16
	Incr     int16
	MemBank  int16

	ModType [16]byte
	SynTh   float32

	DeadTimeComp int16
	PolarityL    int16
	PolarityF    int16
	PolarityP    int16
	Linediv      int16
	Accumulate   int16
	FlbckY       int32
	FlbckX       int32
	BordU        int32
	BordL        int32

	PixTime float32
	PixClk  int16
	Trigger int16

	ScanX  int32
	ScanY  int32
	ScanRX int32
	ScanRY int32

	FIFOTyp int16
	EpxDiv  int32

	ModTypeCode uint16
	ModFPGAVer  uint16

	OverflowCorrFactor float32
	ADCZoom            float32
	Cycles             int32

	StopInfo    stopInfo
	FCSInfo     fcsInfo

	ImageX  int32
	ImageY  int32
	ImageRX int32
	ImageRY int32

	XYGain   int16
	DigFlags int16
	ADCDe    int16
	DetType  int16
	XAxis    int16

	HISTInfo    histInfo
	HISTInfoExt histInfoExt

	SyncDelay float32
	SdelSerNo uint16
	SdelInput byte

	MosaicCtrl byte
	MosaicX    byte
	MosaicY    byte
	FramesPerEl int16
	ChanPerEl   int16
	MosaicCyclesDone int32

	MLASerNo      uint16
	DCCInUse      uint8
	DCCSerNo      [12]byte
	TiSaLasStatus uint16
	TiSaLasWav    uint16
	AOMStatus     uint8
	AOMPower      uint8
	DDGSerNo      [8]byte
	PriorSerNo    int16

	MosaicXHi uint8
	MosaicYHi uint8

	Reserve [74]byte
}

// moduleTypeHeaderBits maps the module model name to the bits stored in
// the file header's revision field.
var moduleTypeHeaderBits = map[string]uint16{
	"SPC-130":     0x20,
	"SPC-600":     0x21,
	"SPC-630":     0x22,
	"SPC-700":     0x23,
	"SPC-730":     0x24,
	"SPC-830":     0x25,
	"SPC-140":     0x26,
	"SPC-930":     0x27,
	"SPC-150":     0x28,
	"DPC-230":     0x29,
	"SPC-130EM":   0x2a,
	"SPC-160":     0x2b,
	"SPC-150N":    0x2e,
	"SPC-150NX":   0x80,
	"SPC-160X":    0x81,
	"SPC-160PCIE": 0x82,
}
