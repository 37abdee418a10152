package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"lanchat/internal/config"
	"lanchat/internal/networking"
)

// The terminal belongs to the UI, so logs only go to a file when debugging.
var debugLog = log.New(io.Discard, "[DEBUG] ", log.LstdFlags)

func setupDebugLog(cfg config.DebugSection) (io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log: %w", err)
	}
	debugLog.SetOutput(f)
	log.SetOutput(f)
	return f, nil
}

func startMetricsServer(addr string, metrics *networking.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		debugLog.Printf("Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			debugLog.Printf("Metrics server error: %v", err)
		}
	}()
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to the config file")
	name := flag.String("name", "", "Name announced to peers (overrides identity.name)")
	bind := flag.String("bind", "", "Address to listen on (overrides network.bind_address)")
	debug := flag.Bool("debug", false, "Write a debug log (overrides debug.enabled)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *name != "" {
		cfg.Identity.Name = *name
	}
	if *bind != "" {
		cfg.Network.BindAddress = *bind
	}
	if *debug {
		cfg.Debug.Enabled = true
	}

	logFile, err := setupDebugLog(cfg.Debug)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	codec, err := networking.CodecByName(cfg.Network.Framing)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	metrics := networking.NewMetrics()
	if cfg.Metrics.ListenAddress != "" {
		startMetricsServer(cfg.Metrics.ListenAddress, metrics)
	}

	listener, err := networking.NewListener(cfg.Network.BindAddress, debugLog)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener.Start(ctx)
	debugLog.Printf("Starting lanchat on %s (framing=%s)", listener.Addr(), codec.Name())

	opts := networking.Options{
		Codec:            codec,
		Logger:           debugLog,
		Metrics:          metrics,
		ReadChunkSize:    cfg.Network.ReadChunkSize,
		MaxReadErrors:    cfg.Network.MaxReadErrors,
		ReadErrorBackoff: cfg.Network.ReadErrorBackoff.Duration,
	}
	if cfg.UI.Notify {
		opts.OnMessage = notifyIncoming
	}
	registry := networking.NewRegistry(opts, cfg.Identity.Name)
	defer registry.CloseAll()

	p := tea.NewProgram(initialModel(cfg, listener, registry), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v", err)
	}
}
