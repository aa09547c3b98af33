// Command openscan-bh-spc turns Becker & Hickl SPC photon streams into FLIM
// image histograms. It processes an .spc file through the line-clock
// pixellator, writes the accumulated histograms to an .sdt file, records the
// acquisition in a SQLite index, and serves live status and history over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/acq"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/db"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/monitoring"
	"github.com/jas-priatna/OpenScan-BH-SPC/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON settings file (defaults apply when omitted)")
	listenAddr  = flag.String("listen", "", "HTTP listen address (overrides settings)")
	inputPath   = flag.String("input", "", "Process photon records from this .spc file")
	saveRaw     = flag.Bool("save-raw", false, "Archive a copy of the raw photon stream under the data directory")
	noServe     = flag.Bool("no-serve", false, "Exit after processing instead of serving the HTTP API")
	debugTrace  = flag.Bool("debug", false, "Write verbose pipeline diagnostics to stderr")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("openscan-bh-spc %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *debugTrace {
		monitoring.SetDebugWriter(os.Stderr)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	if *inputPath == "" && *noServe {
		log.Fatal("Nothing to do: -no-serve requires -input")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(settings.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to open acquisition index at %s: %v", settings.GetDBPath(), err)
	}
	defer database.Close()

	var controller *acq.Controller
	if *inputPath != "" {
		controller, err = acq.NewController(settings, database)
		if err != nil {
			log.Fatalf("Failed to configure acquisition: %v", err)
		}
		if *saveRaw {
			controller.CopyRawTo(filepath.Join(settings.GetDataDir(), settings.GetSPCFilename()))
		}
	}

	var wg sync.WaitGroup

	if controller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processFile(ctx, controller, *inputPath); err != nil {
				log.Printf("Processing failed: %v", err)
			}
			if *noServe {
				stop()
			}
		}()
	}

	if !*noServe {
		addr := *listenAddr
		if addr == "" {
			addr = settings.GetListenAddr()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, addr, database, controller)
		}()
	}

	wg.Wait()
}
