// Package acq orchestrates one acquisition run: it pumps decoded FIFO
// events into the pixellator, accumulates histograms, collects advisory
// errors, enforces the frame limit, and produces the SDT output and the
// acquisition index record.
package acq

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/bhspc"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/config"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/db"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/flim"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/monitoring"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/sdt"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/units"
)

// Controller states reported in snapshots.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// maxStoredErrors bounds how many advisory error messages are kept
// verbatim; the total is still counted.
const maxStoredErrors = 100

// batchRecords is how many FIFO records are read and decoded per pump
// iteration. Context cancellation and the frame limit are checked at
// batch granularity.
const batchRecords = 4096

// Snapshot is a point-in-time view of a run's progress, safe to request
// from other goroutines while the pump is running.
type Snapshot struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Width         uint32 `json:"width"`
	Height        uint32 `json:"height"`
	HistogramBits uint32 `json:"histogram_bits"`

	Records           uint64   `json:"records"`
	FramesCompleted   uint64   `json:"frames_completed"`
	Photons           uint64   `json:"photons"`
	OffChannelPhotons uint64   `json:"off_channel_photons"`
	DiscardedPhotons  uint64   `json:"discarded_photons"`
	OutOfOrderEvents  uint64   `json:"out_of_order_events"`
	Overflows         uint64   `json:"overflows"`
	ErrorCount        int      `json:"error_count"`
	Errors            []string `json:"errors,omitempty"`

	MacrotimeSeconds float64 `json:"macrotime_seconds"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	PhotonsPerSecond float64 `json:"photons_per_second"`
}

// Controller owns one acquisition run. Construct with NewController, feed
// it with Run, then read results; a controller is not reusable.
type Controller struct {
	id       string
	settings *config.Settings
	database *db.DB

	rawCopyPath string

	// mu guards everything below. The pump takes it per batch, so
	// concurrent snapshot readers see batch-consistent state.
	mu         sync.Mutex
	state      string
	startedAt  time.Time
	finishedAt *time.Time
	errs       []string
	errTotal   int

	pixcfg flim.PixellatorConfig
	pix    *flim.LineClockPixellator
	hist   *flim.HistogramSink
	dec    *bhspc.Decoder

	stopRequested bool

	lastMacrotime  uint64
	lastPhotonTime map[uint8]uint64
	firstFrameMark uint64
	frameMarkSeen  bool
	firstLineMark  uint64
	lastLineMark   uint64
	lineMarks      uint64
}

// NewController builds the processing pipeline described by settings. The
// database may be nil, in which case no index record is kept.
func NewController(settings *config.Settings, database *db.DB) (*Controller, error) {
	unitsTenthNs := uint32(settings.GetMacrotimeUnitsTenthNs())
	rate := settings.GetPixelRateHz()

	pixcfg := flim.PixellatorConfig{
		PixelsPerLine:  uint32(settings.GetPixelsPerLine()),
		LinesPerFrame:  uint32(settings.GetLinesPerFrame()),
		PixelInterval:  units.PixelsToMacrotime(1, rate, unitsTenthNs),
		LineDelay:      units.PixelsToMacrotime(settings.EffectiveLineDelayPx(), rate, unitsTenthNs),
		LineInterval:   units.PixelsToMacrotime(settings.GetLineTimePx(), rate, unitsTenthNs),
		LineMarkerBit:  settings.GetLineMarkerBit(),
		FrameMarkerBit: settings.GetFrameMarkerBit(),
		PixelMarkerBit: settings.GetPixelMarkerBit(),
	}
	if settings.GetOutOfOrder() == config.OutOfOrderDrop {
		pixcfg.OutOfOrder = flim.OutOfOrderDrop
	}

	c := &Controller{
		id:             uuid.NewString(),
		settings:       settings,
		database:       database,
		state:          StateIdle,
		lastPhotonTime: make(map[uint8]uint64),
	}

	hist, err := flim.NewHistogramSink(flim.HistogramConfig{
		Width:         pixcfg.PixelsPerLine,
		Height:        pixcfg.LinesPerFrame,
		HistogramBits: uint32(settings.GetHistogramBits()),
		ChannelMask:   settings.GetChannelMask(),
		Cumulative:    settings.GetCumulative(),
		FrameLimit:    uint64(settings.GetFrameLimit()),
		OnFrameLimit:  func() { c.stopRequested = true },
	})
	if err != nil {
		return nil, err
	}

	collector := &errorCollector{c: c}
	pix, err := flim.NewLineClockPixellator(pixcfg, flim.TeeSink{hist, collector})
	if err != nil {
		return nil, err
	}

	c.pixcfg = pixcfg
	c.hist = hist
	c.pix = pix
	c.dec = bhspc.NewDecoder(c.recordError)
	return c, nil
}

// ID returns the run's UUID.
func (c *Controller) ID() string { return c.id }

// CopyRawTo makes Run archive the raw record stream to a .spc file at
// path in addition to processing it.
func (c *Controller) CopyRawTo(path string) { c.rawCopyPath = path }

// errorCollector funnels sink-level errors into the controller's error
// list. It is one leg of the tee so the histogram sink still sees them.
type errorCollector struct{ c *Controller }

func (e *errorCollector) BeginFrame(uint64)                 {}
func (e *errorCollector) EndFrame(uint64)                   {}
func (e *errorCollector) PixelPhoton(flim.PixelPhotonEvent) {}
func (e *errorCollector) Finish()                           {}
func (e *errorCollector) Error(msg string)                  { e.c.appendError(msg) }

// recordError is the decoder's error callback; it takes the lock because
// the decoder runs inside the pump, which already holds it.
func (c *Controller) recordError(msg string) { c.appendError(msg) }

func (c *Controller) appendError(msg string) {
	c.errTotal++
	if len(c.errs) < maxStoredErrors {
		c.errs = append(c.errs, msg)
	}
	monitoring.Logf("[acq] %s: %s", c.id, msg)
}

// Run pumps the record stream from input through the pipeline until end
// of stream, the frame limit, or context cancellation, then finishes the
// pixellator, writes the SDT output, and records the run in the index.
// Advisory stream errors do not fail the run; I/O and setup errors do.
func (c *Controller) Run(ctx context.Context, input io.Reader) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("acq: controller %s already ran", c.id)
	}
	c.state = StateRunning
	c.startedAt = time.Now()
	c.mu.Unlock()

	monitoring.Logf("[acq] %s: starting, %dx%d, %d histogram bits",
		c.id, c.pixcfg.PixelsPerLine, c.pixcfg.LinesPerFrame, c.settings.GetHistogramBits())

	if err := c.insertIndexRow(); err != nil {
		return c.fail(err)
	}

	reader, err := bhspc.NewFileReader(input)
	if err != nil {
		return c.fail(err)
	}

	var rawCopy *bhspc.FileWriter
	if c.rawCopyPath != "" {
		f, err := os.Create(c.rawCopyPath)
		if err != nil {
			return c.fail(fmt.Errorf("acq: creating raw copy: %w", err))
		}
		if rawCopy, err = bhspc.NewFileWriter(f, reader.Header()); err != nil {
			f.Close()
			return c.fail(err)
		}
	}

	if err := c.pump(ctx, reader, rawCopy); err != nil {
		if rawCopy != nil {
			rawCopy.Close()
		}
		return c.fail(err)
	}
	if rawCopy != nil {
		if err := rawCopy.Close(); err != nil {
			return c.fail(fmt.Errorf("acq: closing raw copy: %w", err))
		}
	}

	c.mu.Lock()
	c.pix.Flush()
	c.pix.Finish()
	c.mu.Unlock()

	sdtPath, err := c.writeSDT()
	if err != nil {
		return c.fail(err)
	}

	now := time.Now()
	c.mu.Lock()
	c.state = StateFinished
	c.finishedAt = &now
	c.mu.Unlock()

	if err := c.finishIndexRow(sdtPath); err != nil {
		return err
	}

	snap := c.Snapshot()
	monitoring.Logf("[acq] %s: finished, %d frames, %d photons, %d errors",
		c.id, snap.FramesCompleted, snap.Photons, snap.ErrorCount)
	return nil
}

func (c *Controller) pump(ctx context.Context, reader *bhspc.FileReader, rawCopy *bhspc.FileWriter) error {
	buf := make([]byte, batchRecords*bhspc.RecordSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := reader.ReadBatch(buf)
		if n > 0 {
			if rawCopy != nil {
				if _, err := rawCopy.Write(buf[:n]); err != nil {
					return fmt.Errorf("acq: writing raw copy: %w", err)
				}
			}
			c.mu.Lock()
			err := c.dec.DecodeBatch(buf[:n], c.handleEvent)
			stop := c.stopRequested
			last := c.lastMacrotime
			c.mu.Unlock()
			if err != nil {
				return err
			}
			monitoring.Debugf("[acq] %s: decoded %d bytes, macrotime %d",
				c.id, n, last)
			if stop {
				monitoring.Logf("[acq] %s: frame limit reached, stopping", c.id)
				return nil
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("acq: reading records: %w", readErr)
		}
	}
}

// handleEvent runs with c.mu held (inside DecodeBatch under the pump's
// critical section).
func (c *Controller) handleEvent(ev flim.Event) {
	if c.stopRequested {
		// The frame limit fired mid-batch; the rest of the batch belongs
		// to frames that will not be kept.
		return
	}
	switch e := ev.(type) {
	case flim.TimestampEvent:
		c.lastMacrotime = e.Macrotime
		c.lastPhotonTime[e.Photon.Channel] = e.Macrotime
	case flim.MarkerEvent:
		c.lastMacrotime = e.Macrotime
		c.noteMarker(e)
	}
	if err := c.pix.Handle(ev); err != nil {
		// Only lifecycle misuse reaches here; the pump stops feeding
		// events once stopRequested is set, so this is unexpected.
		c.appendError(err.Error())
	}
}

func (c *Controller) noteMarker(ev flim.MarkerEvent) {
	if bit := c.pixcfg.LineMarkerBit; ev.Bits&(1<<bit) != 0 {
		if c.lineMarks == 0 {
			c.firstLineMark = ev.Macrotime
		}
		c.lastLineMark = ev.Macrotime
		c.lineMarks++
	}
	if bit := c.pixcfg.FrameMarkerBit; bit >= 0 && ev.Bits&(1<<bit) != 0 && !c.frameMarkSeen {
		c.firstFrameMark = ev.Macrotime
		c.frameMarkSeen = true
	}
}

func (c *Controller) fail(err error) error {
	now := time.Now()
	c.mu.Lock()
	c.state = StateFailed
	c.finishedAt = &now
	c.mu.Unlock()
	monitoring.Logf("[acq] %s: failed: %v", c.id, err)
	return err
}

// Snapshot returns the current progress counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	decStats := c.dec.Stats()
	pixStats := c.pix.Stats()
	unitsTenthNs := uint32(c.settings.GetMacrotimeUnitsTenthNs())

	s := Snapshot{
		ID:            c.id,
		State:         c.state,
		StartedAt:     c.startedAt,
		FinishedAt:    c.finishedAt,
		Width:         c.pixcfg.PixelsPerLine,
		Height:        c.pixcfg.LinesPerFrame,
		HistogramBits: uint32(c.settings.GetHistogramBits()),

		Records:           decStats.Records,
		FramesCompleted:   c.hist.FramesCompleted(),
		OffChannelPhotons: c.hist.OffChannelPhotons(),
		DiscardedPhotons:  pixStats.DiscardedPhotons,
		OutOfOrderEvents:  pixStats.OutOfOrderEvents,
		Overflows:         decStats.Overflows,
		ErrorCount:        c.errTotal,
		Errors:            append([]string(nil), c.errs...),

		MacrotimeSeconds: units.MacrotimeToSeconds(c.lastMacrotime, unitsTenthNs),
	}
	for _, ch := range c.hist.Channels() {
		s.Photons += c.hist.Photons(ch)
	}
	if !c.startedAt.IsZero() {
		end := time.Now()
		if c.finishedAt != nil {
			end = *c.finishedAt
		}
		s.ElapsedSeconds = end.Sub(c.startedAt).Seconds()
		if s.ElapsedSeconds > 0 {
			s.PhotonsPerSecond = float64(s.Photons) / s.ElapsedSeconds
		}
	}
	return s
}

// WithHistogram runs fn with the histogram sink while holding the
// controller lock, so it is safe to call while the pump is running.
func (c *Controller) WithHistogram(fn func(h *flim.HistogramSink)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.hist)
}

func (c *Controller) sdtPath() string {
	return filepath.Join(c.settings.GetDataDir(), c.settings.GetSDTFilename())
}

// writeSDT serializes the accumulated histograms.
func (c *Controller) writeSDT() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitsTenthNs := uint32(c.settings.GetMacrotimeUnitsTenthNs())
	now := c.startedAt

	data := &sdt.FileData{
		Date:                  now.Format("2006-01-02"),
		Time:                  now.Format("15:04:05"),
		ModelName:             c.settings.GetModelName(),
		SerialNumber:          c.settings.GetSerialNumber(),
		Width:                 c.hist.Width(),
		Height:                c.hist.Height(),
		HistogramBits:         uint32(c.settings.GetHistogramBits()),
		PixelRateHz:           c.settings.GetPixelRateHz(),
		MacrotimeUnitsTenthNs: unitsTenthNs,

		LineMarkersRecorded:  true,
		FrameMarkersRecorded: c.pixcfg.FrameMarkerBit >= 0,
		PixelMarkersRecorded: c.pixcfg.PixelMarkerBit >= 0,

		// Microtime is already un-reversed during decoding.
		HistogramTimeInverted: false,

		AcquisitionDurationSeconds: units.MacrotimeToSeconds(c.lastMacrotime, unitsTenthNs),
	}
	if c.frameMarkSeen {
		data.TimeOfFirstFrameMarkerSeconds = units.MacrotimeToSeconds(c.firstFrameMark, unitsTenthNs)
	}
	if c.lineMarks > 1 {
		span := c.lastLineMark - c.firstLineMark
		data.TimeBetweenLineMarkersSeconds = units.MacrotimeToSeconds(span, unitsTenthNs) / float64(c.lineMarks-1)
		data.TimeBetweenFrameMarkersSeconds = data.TimeBetweenLineMarkersSeconds * float64(c.pixcfg.LinesPerFrame)
	}

	channels := []*sdt.ChannelData{}
	for _, ch := range c.hist.Channels() {
		hist, _ := c.hist.Histogram(ch)
		photons := c.hist.Photons(ch)
		if photons > 0xffffffff {
			photons = 0xffffffff
		}
		channels = append(channels, &sdt.ChannelData{
			Channel:               uint16(ch),
			PhotonCount:           uint32(photons),
			LastPhotonTimeSeconds: units.MacrotimeToSeconds(c.lastPhotonTime[ch], unitsTenthNs),
			Histogram:             hist,
		})
	}

	if len(channels) == 0 {
		monitoring.Logf("[acq] %s: no photons on any enabled channel, skipping SDT output", c.id)
		return "", nil
	}

	path := c.sdtPath()
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("acq: creating SDT file: %w", err)
	}
	if err := sdt.WriteFile(f, data, channels); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("acq: closing SDT file: %w", err)
	}
	monitoring.Logf("[acq] %s: wrote %s (%d channels)", c.id, path, len(channels))
	return path, nil
}

func (c *Controller) insertIndexRow() error {
	if c.database == nil {
		return nil
	}
	return c.database.InsertAcquisition(&db.Acquisition{
		ID:        c.id,
		StartedAt: c.startedAt,
		SPCPath:   c.rawCopyPath,
		Width:     int(c.pixcfg.PixelsPerLine),
		Height:    int(c.pixcfg.LinesPerFrame),
		Channels:  bits.OnesCount16(c.settings.GetChannelMask()),
	})
}

func (c *Controller) finishIndexRow(sdtPath string) error {
	if c.database == nil {
		return nil
	}
	snap := c.Snapshot()
	row := &db.Acquisition{
		ID:               c.id,
		FinishedAt:       snap.FinishedAt,
		SPCPath:          c.rawCopyPath,
		SDTPath:          sdtPath,
		Channels:         len(c.hist.Channels()),
		Frames:           int64(snap.FramesCompleted),
		Photons:          int64(snap.Photons),
		DiscardedPhotons: int64(snap.DiscardedPhotons),
		ErrorCount:       int64(snap.ErrorCount),
	}
	if err := c.database.FinishAcquisition(row); err != nil {
		return err
	}
	return c.database.RecordErrors(c.id, snap.Errors)
}
