package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Pixel mapping modes. Scanners differ in whether the line clock fires at
// the start or the end of each line; with end-of-line markers the line
// delay is shifted back by one line time.
const (
	PixelMappingLineStart = "line-start-markers"
	PixelMappingLineEnd   = "line-end-markers"
)

// Out-of-order event policies.
const (
	OutOfOrderProcess = "process"
	OutOfOrderDrop    = "drop"
)

// Settings is the root acquisition configuration. Fields are pointers so a
// partial JSON file overrides only what it names; the Get* methods supply
// defaults for everything else.
type Settings struct {
	// Scan geometry and timing
	PixelsPerLine *int     `json:"pixels_per_line,omitempty"`
	LinesPerFrame *int     `json:"lines_per_frame,omitempty"`
	PixelRateHz   *float64 `json:"pixel_rate_hz,omitempty"`
	// LineDelayPx and LineTimePx are in units of pixels at the pixel
	// rate. LineTimePx includes retrace, so it is at least PixelsPerLine.
	LineDelayPx *float64 `json:"line_delay_px,omitempty"`
	LineTimePx  *float64 `json:"line_time_px,omitempty"`

	PixelMappingMode *string `json:"pixel_mapping_mode,omitempty"`

	// Marker routing. A negative bit disables that marker.
	LineMarkerBit  *int `json:"line_marker_bit,omitempty"`
	FrameMarkerBit *int `json:"frame_marker_bit,omitempty"`
	PixelMarkerBit *int `json:"pixel_marker_bit,omitempty"`

	ChannelMask *int `json:"channel_mask,omitempty"`

	// Histogramming
	HistogramBits *int    `json:"histogram_bits,omitempty"`
	Cumulative    *bool   `json:"cumulative,omitempty"`
	FrameLimit    *int    `json:"frame_limit,omitempty"` // 0 means until end of stream
	OutOfOrder    *string `json:"out_of_order,omitempty"`

	// Hardware description recorded in the SDT output
	MacrotimeUnitsTenthNs *int    `json:"macrotime_units_tenth_ns,omitempty"`
	ModelName             *string `json:"model_name,omitempty"`
	SerialNumber          *string `json:"serial_number,omitempty"`

	// Outputs and services
	DataDir     *string `json:"data_dir,omitempty"`
	SPCFilename *string `json:"spc_filename,omitempty"`
	SDTFilename *string `json:"sdt_filename,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
	ListenAddr  *string `json:"listen_addr,omitempty"`
}

// EmptySettings returns a Settings with all fields nil, so every getter
// reports its default.
func EmptySettings() *Settings {
	return &Settings{}
}

// LoadSettings loads Settings from a JSON file. Fields omitted from the
// file retain their defaults, so partial configs are safe.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySettings()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *Settings) Validate() error {
	if c.PixelsPerLine != nil && *c.PixelsPerLine <= 0 {
		return fmt.Errorf("pixels_per_line must be positive, got %d", *c.PixelsPerLine)
	}
	if c.LinesPerFrame != nil && *c.LinesPerFrame <= 0 {
		return fmt.Errorf("lines_per_frame must be positive, got %d", *c.LinesPerFrame)
	}
	if c.PixelRateHz != nil && *c.PixelRateHz <= 0 {
		return fmt.Errorf("pixel_rate_hz must be positive, got %f", *c.PixelRateHz)
	}
	if c.LineTimePx != nil && *c.LineTimePx <= 0 {
		return fmt.Errorf("line_time_px must be positive, got %f", *c.LineTimePx)
	}
	if c.PixelMappingMode != nil {
		switch *c.PixelMappingMode {
		case PixelMappingLineStart, PixelMappingLineEnd:
		default:
			return fmt.Errorf("unknown pixel_mapping_mode %q", *c.PixelMappingMode)
		}
	}
	if c.LineMarkerBit != nil && (*c.LineMarkerBit < 0 || *c.LineMarkerBit > 15) {
		return fmt.Errorf("line_marker_bit must be 0-15, got %d", *c.LineMarkerBit)
	}
	for name, bit := range map[string]*int{
		"frame_marker_bit": c.FrameMarkerBit,
		"pixel_marker_bit": c.PixelMarkerBit,
	} {
		if bit != nil && *bit > 15 {
			return fmt.Errorf("%s must be at most 15, got %d", name, *bit)
		}
	}
	if c.ChannelMask != nil && (*c.ChannelMask < 1 || *c.ChannelMask > 0xffff) {
		return fmt.Errorf("channel_mask must be 1-65535, got %d", *c.ChannelMask)
	}
	if c.HistogramBits != nil && (*c.HistogramBits < 1 || *c.HistogramBits > 12) {
		return fmt.Errorf("histogram_bits must be 1-12, got %d", *c.HistogramBits)
	}
	if c.FrameLimit != nil && *c.FrameLimit < 0 {
		return fmt.Errorf("frame_limit must be non-negative, got %d", *c.FrameLimit)
	}
	if c.OutOfOrder != nil {
		switch *c.OutOfOrder {
		case OutOfOrderProcess, OutOfOrderDrop:
		default:
			return fmt.Errorf("unknown out_of_order policy %q", *c.OutOfOrder)
		}
	}
	if c.MacrotimeUnitsTenthNs != nil && *c.MacrotimeUnitsTenthNs <= 0 {
		return fmt.Errorf("macrotime_units_tenth_ns must be positive, got %d", *c.MacrotimeUnitsTenthNs)
	}
	return nil
}

// GetPixelsPerLine returns the pixels_per_line value or the default.
func (c *Settings) GetPixelsPerLine() int {
	if c.PixelsPerLine == nil {
		return 256
	}
	return *c.PixelsPerLine
}

// GetLinesPerFrame returns the lines_per_frame value or the default.
func (c *Settings) GetLinesPerFrame() int {
	if c.LinesPerFrame == nil {
		return 256
	}
	return *c.LinesPerFrame
}

// GetPixelRateHz returns the pixel_rate_hz value or the default.
func (c *Settings) GetPixelRateHz() float64 {
	if c.PixelRateHz == nil {
		return 200000
	}
	return *c.PixelRateHz
}

// GetLineDelayPx returns the configured line delay before any pixel
// mapping adjustment.
func (c *Settings) GetLineDelayPx() float64 {
	if c.LineDelayPx == nil {
		return 0
	}
	return *c.LineDelayPx
}

// GetLineTimePx returns the line_time_px value or the default (no
// retrace: line time equals the pixel count).
func (c *Settings) GetLineTimePx() float64 {
	if c.LineTimePx == nil {
		return float64(c.GetPixelsPerLine())
	}
	return *c.LineTimePx
}

// GetPixelMappingMode returns the pixel_mapping_mode value or the default.
func (c *Settings) GetPixelMappingMode() string {
	if c.PixelMappingMode == nil {
		return PixelMappingLineEnd
	}
	return *c.PixelMappingMode
}

// EffectiveLineDelayPx returns the line delay adjusted for the pixel
// mapping mode: with end-of-line markers each marker belongs to the line
// that precedes it, so the delay shifts back by one line time.
func (c *Settings) EffectiveLineDelayPx() float64 {
	delay := c.GetLineDelayPx()
	if c.GetPixelMappingMode() == PixelMappingLineEnd {
		delay -= c.GetLineTimePx()
	}
	return delay
}

// GetLineMarkerBit returns the line_marker_bit value or the default.
func (c *Settings) GetLineMarkerBit() int {
	if c.LineMarkerBit == nil {
		return 1
	}
	return *c.LineMarkerBit
}

// GetFrameMarkerBit returns the frame_marker_bit value or the default.
func (c *Settings) GetFrameMarkerBit() int {
	if c.FrameMarkerBit == nil {
		return 2
	}
	return *c.FrameMarkerBit
}

// GetPixelMarkerBit returns the pixel_marker_bit value or the default
// (disabled).
func (c *Settings) GetPixelMarkerBit() int {
	if c.PixelMarkerBit == nil {
		return -1
	}
	return *c.PixelMarkerBit
}

// GetChannelMask returns the channel_mask value or the default.
func (c *Settings) GetChannelMask() uint16 {
	if c.ChannelMask == nil {
		return 1
	}
	return uint16(*c.ChannelMask)
}

// GetHistogramBits returns the histogram_bits value or the default.
func (c *Settings) GetHistogramBits() int {
	if c.HistogramBits == nil {
		return 8
	}
	return *c.HistogramBits
}

// GetCumulative returns the cumulative value or the default.
func (c *Settings) GetCumulative() bool {
	if c.Cumulative == nil {
		return true
	}
	return *c.Cumulative
}

// GetFrameLimit returns the frame_limit value or the default (no limit).
func (c *Settings) GetFrameLimit() int {
	if c.FrameLimit == nil {
		return 0
	}
	return *c.FrameLimit
}

// GetOutOfOrder returns the out_of_order value or the default.
func (c *Settings) GetOutOfOrder() string {
	if c.OutOfOrder == nil {
		return OutOfOrderProcess
	}
	return *c.OutOfOrder
}

// GetMacrotimeUnitsTenthNs returns the macrotime resolution or the
// default (25 ns, the SPC-150 FIFO Image default).
func (c *Settings) GetMacrotimeUnitsTenthNs() int {
	if c.MacrotimeUnitsTenthNs == nil {
		return 250
	}
	return *c.MacrotimeUnitsTenthNs
}

// GetModelName returns the model_name value or the default.
func (c *Settings) GetModelName() string {
	if c.ModelName == nil {
		return "SPC-150"
	}
	return *c.ModelName
}

// GetSerialNumber returns the serial_number value or the default.
func (c *Settings) GetSerialNumber() string {
	if c.SerialNumber == nil {
		return ""
	}
	return *c.SerialNumber
}

// GetDataDir returns the data_dir value or the default.
func (c *Settings) GetDataDir() string {
	if c.DataDir == nil {
		return "."
	}
	return *c.DataDir
}

// GetSPCFilename returns the spc_filename value or the default.
func (c *Settings) GetSPCFilename() string {
	if c.SPCFilename == nil {
		return "BH_photons.spc"
	}
	return *c.SPCFilename
}

// GetSDTFilename returns the sdt_filename value or the default.
func (c *Settings) GetSDTFilename() string {
	if c.SDTFilename == nil {
		return "BH_histogram.sdt"
	}
	return *c.SDTFilename
}

// GetDBPath returns the db_path value or the default.
func (c *Settings) GetDBPath() string {
	if c.DBPath == nil {
		return "acquisitions.sqlite3"
	}
	return *c.DBPath
}

// GetListenAddr returns the listen_addr value or the default.
func (c *Settings) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8029"
	}
	return *c.ListenAddr
}
