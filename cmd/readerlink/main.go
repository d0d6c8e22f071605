package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/readerlink/internal/ble"
	"github.com/chaz8081/readerlink/internal/config"
	"github.com/chaz8081/readerlink/internal/console"
	"github.com/chaz8081/readerlink/internal/hotkey"
	"github.com/chaz8081/readerlink/internal/supervisor"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/readerlink/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	adapter := ble.NewTinygoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nEnsure Bluetooth is on and this terminal has Bluetooth permission.", err)
	}

	sink := console.NewSink(os.Stdout)
	prompter := console.NewPrompter(os.Stdin, os.Stdout)
	sup := supervisor.New(sink, prompter, supervisor.Options{
		MaxAttempts:                cfg.Reader.MaxAttempts,
		DefaultRegionIndex:         cfg.Reader.DefaultRegionIndex,
		IgnoreForeignDisappearance: cfg.Reader.IgnoreForeignDisappearance,
	})

	readerOpts := ble.ReaderOptions{ResponseTimeout: cfg.Reader.ResponseTimeout}
	a := newAgent(sup, cfg.Reader.DeviceMAC, func(d ble.Device) (supervisor.Peripheral, error) {
		return ble.NewReader(adapter, d, cfg.Reader.Password, readerOpts)
	})

	// The signal cancels ctx directly so a pending password prompt returns
	// even while the event loop is busy.
	ctx, stop := signalContext(context.Background())
	defer stop()

	watcher := ble.NewWatcher(adapter, ble.WatcherOptions{
		ScanInterval: cfg.Scan.Interval,
		ScanWindow:   cfg.Scan.Window,
		NamePrefix:   cfg.Reader.NamePrefix,
	})
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start reader discovery: %v", err)
	}

	var hotkeyEvents <-chan hotkey.Event
	var listener *hotkey.Listener
	if cfg.Hotkeys.Enabled {
		listener, err = hotkey.NewListener([]hotkey.Binding{
			{Action: hotkey.ActionResume, Keys: cfg.Hotkeys.Resume},
			{Action: hotkey.ActionReset, Keys: cfg.Hotkeys.Reset},
		})
		if err != nil {
			log.Fatalf("hotkeys: %v", err)
		}
		go listener.Start()
		hotkeyEvents = listener.Events()
	}

	log.Println("Ready! Waiting for a reader. Ctrl+C to quit.")

	scanEvents := watcher.Events()
	for {
		select {
		case ev, ok := <-scanEvents:
			if !ok {
				scanEvents = nil
				if ctx.Err() != nil {
					continue // shutdown case below
				}
				log.Println("Reader discovery stopped")
				a.shutdown()
				return
			}
			a.handleScan(ctx, ev)

		case ev, ok := <-hotkeyEvents:
			if !ok {
				log.Println("Hotkey listener stopped")
				hotkeyEvents = nil
				continue
			}
			a.handleHotkey(ctx, ev)

		case <-ctx.Done():
			log.Println("Received interrupt, shutting down...")
			stop()
			watcher.Stop()
			a.shutdown()
			log.Println("Goodbye!")
			if listener != nil {
				// Exit directly to avoid gohook's C cleanup crash.
				os.Exit(0)
			}
			return
		}
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run with -init to create one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	reader := cfg.Reader.DeviceMAC
	if reader == "" {
		reader = "any"
		if cfg.Reader.NamePrefix != "" {
			reader = fmt.Sprintf("any (%s*)", cfg.Reader.NamePrefix)
		}
	}
	hotkeys := "off"
	if cfg.Hotkeys.Enabled {
		hotkeys = fmt.Sprintf("resume %s, reset %s", hotkey.Describe(cfg.Hotkeys.Resume), hotkey.Describe(cfg.Hotkeys.Reset))
	}

	fmt.Println("=== readerlink ===")
	fmt.Printf("  Reader:   %s\n", reader)
	fmt.Printf("  Attempts: %d\n", cfg.Reader.MaxAttempts)
	fmt.Printf("  Scan:     every %s for %s\n", cfg.Scan.Interval, cfg.Scan.Window)
	fmt.Printf("  Hotkeys:  %s\n", hotkeys)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
