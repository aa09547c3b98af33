// Command gen-spc generates a synthetic .spc photon stream for testing the
// pixellator and converter without hardware. The scene is a Gaussian bright
// spot with exponentially distributed arrival times, scanned with line
// markers at line starts.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/bhspc"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/config"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/units"
)

func main() {
	output := flag.String("o", "sample.spc", "output path")
	configOut := flag.String("config-out", "", "also write a matching settings JSON here")
	frames := flag.Int("frames", 10, "number of frames")
	pixels := flag.Int("pixels", 64, "pixels per line")
	lines := flag.Int("lines", 64, "lines per frame")
	lineTimePx := flag.Float64("line-time-px", 0, "line time in pixels including retrace (default pixels per line)")
	meanPhotons := flag.Float64("photons", 4, "mean photons per pixel at the spot centre")
	channels := flag.Int("channels", 1, "number of detector channels")
	tau := flag.Float64("tau", 600, "decay lifetime in microtime units")
	rateHz := flag.Float64("rate", 200000, "pixel rate in Hz")
	unitsTenthNs := flag.Int("units", 250, "macrotime unit in tenths of a nanosecond")
	lineBit := flag.Int("line-bit", 1, "routing bit carrying the line clock")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	if *lineTimePx == 0 {
		*lineTimePx = float64(*pixels)
	}
	if *lineTimePx < float64(*pixels) {
		log.Fatalf("line time %v px is shorter than the line itself", *lineTimePx)
	}
	if *channels < 1 || *channels > 16 {
		log.Fatalf("channels must be 1-16, got %d", *channels)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("creating %s: %v", *output, err)
	}
	fw, err := bhspc.NewFileWriter(f, [bhspc.FileHeaderSize]byte{})
	if err != nil {
		log.Fatalf("writing header: %v", err)
	}
	enc := bhspc.NewStreamEncoder(fw)
	rng := rand.New(rand.NewSource(*seed))

	pixelTicks := uint64(units.PixelsToMacrotime(1, *rateHz, uint32(*unitsTenthNs)))
	lineTicks := uint64(units.PixelsToMacrotime(*lineTimePx, *rateHz, uint32(*unitsTenthNs)))
	if pixelTicks == 0 {
		log.Fatalf("pixel dwell below one macrotime tick (rate %v Hz, unit %d)", *rateHz, *unitsTenthNs)
	}
	markerBits := uint16(1) << uint(*lineBit)

	cx, cy := float64(*pixels)/2, float64(*lines)/2
	sigma := float64(*pixels) / 4
	photons := 0

	for frame := 0; frame < *frames; frame++ {
		for line := 0; line < *lines; line++ {
			start := uint64(frame)*uint64(*lines)*lineTicks + uint64(line)*lineTicks
			if err := enc.Marker(start, markerBits); err != nil {
				log.Fatalf("encoding marker: %v", err)
			}
			for px := 0; px < *pixels; px++ {
				n := spotCount(rng, *meanPhotons, float64(px), float64(line), cx, cy, sigma)
				if n == 0 {
					continue
				}
				offsets := make([]uint64, n)
				for i := range offsets {
					offsets[i] = uint64(rng.Int63n(int64(pixelTicks)))
				}
				sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
				for _, off := range offsets {
					micro := rng.ExpFloat64() * *tau
					if micro > 4095 {
						micro = 4095
					}
					ch := uint8(rng.Intn(*channels))
					if err := enc.Photon(start+uint64(px)*pixelTicks+off, ch, uint16(micro)); err != nil {
						log.Fatalf("encoding photon: %v", err)
					}
					photons++
				}
			}
		}
	}
	// Trailing marker so the last frame's final line window is bounded.
	if err := enc.Marker(uint64(*frames)*uint64(*lines)*lineTicks, markerBits); err != nil {
		log.Fatalf("encoding marker: %v", err)
	}

	if err := fw.Close(); err != nil {
		log.Fatalf("closing %s: %v", *output, err)
	}
	log.Printf("✓ Created %s: %d frames, %d photons", *output, *frames, photons)

	if *configOut != "" {
		if err := writeSettings(*configOut, *pixels, *lines, *lineTimePx, *rateHz, *unitsTenthNs, *lineBit, *channels); err != nil {
			log.Fatalf("writing %s: %v", *configOut, err)
		}
		log.Printf("✓ Created %s", *configOut)
	}
}

// spotCount draws a photon count for one pixel of the Gaussian spot.
func spotCount(rng *rand.Rand, mean, x, y, cx, cy, sigma float64) int {
	d2 := (x-cx)*(x-cx) + (y-cy)*(y-cy)
	m := mean * math.Exp(-d2/(2*sigma*sigma))
	n := int(math.Round(m + rng.NormFloat64()*math.Sqrt(m)))
	if n < 0 {
		return 0
	}
	return n
}

func writeSettings(path string, pixels, lines int, lineTimePx, rateHz float64, unitsTenthNs, lineBit, channels int) error {
	mode := config.PixelMappingLineStart
	mask := (1 << uint(channels)) - 1
	s := &config.Settings{
		PixelsPerLine:         &pixels,
		LinesPerFrame:         &lines,
		PixelRateHz:           &rateHz,
		LineTimePx:            &lineTimePx,
		PixelMappingMode:      &mode,
		LineMarkerBit:         &lineBit,
		ChannelMask:           &mask,
		MacrotimeUnitsTenthNs: &unitsTenthNs,
	}
	buf, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(buf, '\n'), 0o644)
}
