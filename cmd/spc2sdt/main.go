// Command spc2sdt converts a Becker & Hickl .spc photon stream into an .sdt
// image file offline, without the HTTP server or the acquisition index.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/acq"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/config"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/flim"
)

func main() {
	configPath := flag.String("config", "", "path to JSON settings file")
	output := flag.String("o", "", "output .sdt path (default from settings)")
	stats := flag.Bool("stats", false, "print per-channel summaries as JSON")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("usage: spc2sdt [flags] input.spc")
	}
	input := flag.Arg(0)

	settings := config.EmptySettings()
	if *configPath != "" {
		var err error
		settings, err = config.LoadSettings(*configPath)
		if err != nil {
			log.Fatalf("loading %s: %v", *configPath, err)
		}
	}
	if *output != "" {
		dir, file := filepath.Split(*output)
		if dir == "" {
			dir = "."
		}
		settings.DataDir = &dir
		settings.SDTFilename = &file
	}

	controller, err := acq.NewController(settings, nil)
	if err != nil {
		log.Fatalf("configuring pipeline: %v", err)
	}

	f, err := os.Open(input)
	if err != nil {
		log.Fatalf("opening input: %v", err)
	}
	defer f.Close()

	if err := controller.Run(context.Background(), f); err != nil {
		log.Fatalf("processing %s: %v", input, err)
	}

	snap := controller.Snapshot()
	log.Printf("✓ %s: %d records, %d frames, %d photons, %d stream errors",
		input, snap.Records, snap.FramesCompleted, snap.Photons, snap.ErrorCount)

	if *stats {
		controller.WithHistogram(func(h *flim.HistogramSink) {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(flim.Summarize(h)); err != nil {
				log.Fatalf("encoding stats: %v", err)
			}
		})
	}
}
