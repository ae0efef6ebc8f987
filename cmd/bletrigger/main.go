package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/config"
	"github.com/chaz8081/bletrigger/internal/discovery"
	"github.com/chaz8081/bletrigger/internal/trigger"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bletrigger/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	scanOnly := flag.Bool("scan", false, "list nearby trigger devices and exit")
	pair := flag.Bool("pair", false, "choose and associate a new device before connecting")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s", path)
		return
	}

	// Load configuration
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

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := ble.NewTinyGoAdapter()
	prompt := discovery.NewPrompt(os.Stdin, os.Stdout)

	if *scanOnly {
		if err := scan(ctx, transport, cfg); err != nil {
			log.Fatalf("scan: %v", err)
		}
		return
	}

	dev := trigger.New(transport, deviceConfig(transport, cfg))
	defer dev.Close()

	go printStates(ctx, dev)

	if *pair || cfg.Discovery.Mode == config.ModeScan && cfg.Discovery.Address == "" {
		err = dev.ConnectInteractive(ctx, prompt)
	} else {
		err = dev.Connect(ctx)
	}
	if err != nil {
		if errors.Is(err, discovery.ErrInteractionRequired) {
			log.Println("No associated device. Press p to pair one.")
		} else {
			log.Printf("ERROR: connect failed: %v", err)
		}
	}

	log.Println("Ready! Enter = send event, s = sync, p = pair, r = rejected devices, q = quit.")
	commandLoop(ctx, dev, prompt)

	dev.Disconnect()
	log.Println("Goodbye!")
}

// commandLoop reads single-line commands until quit, EOF or a signal.
func commandLoop(ctx context.Context, dev *trigger.Device, prompt *discovery.Prompt) {
	for {
		line, err := prompt.ReadLine(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("ERROR: reading input: %v", err)
			}
			return
		}

		switch strings.TrimSpace(line) {
		case "":
			start := time.Now()
			if err := dev.SendEvent(ctx); err != nil {
				log.Printf("ERROR: send event: %v", err)
				continue
			}
			log.Printf("Event sent in %s", time.Since(start).Round(time.Millisecond))

		case "s":
			if err := dev.TriggerSync(ctx); err != nil {
				log.Printf("ERROR: sync: %v", err)
			}

		case "p":
			if err := dev.ConnectInteractive(ctx, prompt); err != nil {
				log.Printf("ERROR: pairing: %v", err)
			}

		case "r":
			rejected := dev.Rejected()
			if len(rejected) == 0 {
				fmt.Println("No rejected devices.")
			}
			for _, e := range rejected {
				fmt.Printf("  %s  rejected %s ago\n", e.Address, time.Since(e.ReceivedAt).Round(time.Second))
			}

		case "q":
			return

		default:
			fmt.Println("Unknown command.")
		}
	}
}

// deviceConfig maps the file config onto the device facade.
func deviceConfig(transport ble.Transport, cfg *config.Config) trigger.Config {
	dc := trigger.Config{
		NormalizationDelay: cfg.Device.NormalizationDelay(),
		AutoReconnect:      cfg.Device.AutoReconnect,
		RetryCount:         cfg.Connection.RetryCount,
		Discovery: discovery.Options{
			Address:     cfg.Discovery.Address,
			ScanTimeout: cfg.Discovery.ScanTimeout,
		},
	}
	if cfg.Discovery.Mode == config.ModeAssociation {
		store := discovery.NewStore(cfg.Discovery.AssociationsPath)
		dc.Pairing = discovery.NewPairing(transport, store, cfg.Discovery.ScanTimeout)
	}
	return dc
}

// scan prints eligible advertisers without connecting.
func scan(ctx context.Context, transport ble.Transport, cfg *config.Config) error {
	if err := transport.Enable(); err != nil {
		return err
	}
	machine := ble.NewMachine(transport)
	scanner := discovery.NewScanner(transport, machine, discovery.Options{
		Address:     cfg.Discovery.Address,
		ScanTimeout: cfg.Discovery.ScanTimeout,
	})

	log.Printf("Scanning for %s...", cfg.Discovery.ScanTimeout)
	devices, err := scanner.Scan(ctx)
	if errors.Is(err, discovery.ErrNoDevice) {
		log.Println("No trigger devices found")
		return nil
	}
	if err != nil {
		return err
	}
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-20s  %s  RSSI %d\n", name, d.Address, d.RSSI)
	}
	return nil
}

// printStates logs device state changes until ctx ends.
func printStates(ctx context.Context, dev *trigger.Device) {
	sub := dev.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			log.Printf("Device: %s", st)
			if dev.HasOpenInteractionRequest() {
				log.Println("Reconnecting needs a new association. Press p to pair.")
			}
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	address := cfg.Discovery.Address
	if address == "" {
		address = "any"
	}
	fmt.Println("=== bletrigger ===")
	fmt.Printf("  Discovery: %s (device: %s, scan %s)\n", cfg.Discovery.Mode, address, cfg.Discovery.ScanTimeout)
	fmt.Printf("  Delay:     %dms\n", cfg.Device.NormalizationDelayMs)
	fmt.Printf("  Retries:   %d (auto-reconnect: %t)\n", cfg.Connection.RetryCount, cfg.Device.AutoReconnect)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
