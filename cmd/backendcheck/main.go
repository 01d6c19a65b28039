// Command backendcheck probes everything the daemon depends on: the
// document store, the pdftoppm renderer and the tesseract backend.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/expedocr/expedocr/internal/common"
	"github.com/expedocr/expedocr/internal/ocr"
	"github.com/expedocr/expedocr/internal/raster"
	"github.com/expedocr/expedocr/internal/repository"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Backend.PdftoppmPath == "" || cfg.Backend.TesseractPath == "" {
		log.Println("ERROR: backend binaries are not configured")
		log.Println("  export EXPEDOCR_PDFTOPPM=/usr/bin/pdftoppm")
		log.Println("  export EXPEDOCR_TESSERACT=/usr/bin/tesseract")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	failed := false

	store, err := repository.Open(ctx, cfg.Store, quiet)
	if err != nil {
		log.Printf("store health: FAIL (%v)", err)
		failed = true
	} else {
		if err := store.Ping(ctx); err != nil {
			log.Printf("store health: FAIL (%v)", err)
			failed = true
		} else {
			log.Printf("store health: OK (%s)", cfg.Store.DSN)
		}
		_ = store.Close()
	}

	rasterizer := raster.NewPdftoppm(cfg.Backend.PdftoppmPath, quiet)
	if err := rasterizer.Health(ctx); err != nil {
		log.Printf("pdftoppm health: FAIL (%v)", err)
		failed = true
	} else {
		log.Printf("pdftoppm health: OK (%s)", cfg.Backend.PdftoppmPath)
	}

	backend := ocr.NewTesseractCLI(ocr.TesseractConfig{
		Binary:      cfg.Backend.TesseractPath,
		TessdataDir: cfg.Backend.TessdataDir,
	}, raster.ExecRunner{}, quiet)
	if err := backend.Health(ctx); err != nil {
		log.Printf("tesseract health: FAIL (%v)", err)
		failed = true
	} else {
		log.Printf("tesseract health: OK (%s)", cfg.Backend.TesseractPath)
	}
	_ = backend.Close()

	if failed {
		os.Exit(1)
	}
	log.Println("all backends healthy")
}
