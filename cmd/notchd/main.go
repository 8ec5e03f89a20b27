package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notchapp/notchd/internal/broker"
	"github.com/notchapp/notchd/internal/config"
	"github.com/notchapp/notchd/internal/ingress"
	"github.com/notchapp/notchd/internal/logging"
	"github.com/notchapp/notchd/internal/registry"
	"github.com/notchapp/notchd/internal/tmux"
	"github.com/notchapp/notchd/internal/transcript"
	"github.com/notchapp/notchd/internal/ui"
)

// Version information
const Version = "0.1.0"

func main() {
	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "version":
			fmt.Printf("notchd %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: run as daemon
	if err := runDaemon(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "notchd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("notchd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Configure(cfg.Log.Level, cfg.Log.Format)
	log := logging.NewLogger("notchd")

	tmuxClient := tmux.NewClient(cfg.Tmux.Bin, cfg.Tmux.Socket)

	brk := broker.New(time.Duration(cfg.Approvals.TimeoutMs) * time.Millisecond)

	watcher := transcript.NewManager(
		cfg.Transcript.InterruptMarkers,
		time.Duration(cfg.Transcript.PollIntervalMs)*time.Millisecond,
	)

	reg := registry.New(brk, watcher)

	// Timeouts and cancellations flow back into session state through the
	// same serialized path as hook events; interrupts likewise.
	brk.SetOnResolve(reg.ApplyDecision)
	watcher.SetOnInterrupt(reg.Interrupt)

	ingressSrv := ingress.NewServer(cfg.Ingress.Listen, reg, brk)
	if err := ingressSrv.Start(); err != nil {
		return fmt.Errorf("start ingress: %w", err)
	}

	uiSrv := ui.NewServer(reg, brk, tmuxClient)
	if err := uiSrv.Start(cfg.UI.Listen); err != nil {
		return fmt.Errorf("start ui server: %w", err)
	}

	log.WithField("version", Version).Info("notchd running")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := ingressSrv.Stop(); err != nil {
		log.WithError(err).Warn("ingress shutdown")
	}
	watcher.Shutdown()
	brk.Shutdown()
	if err := uiSrv.Stop(); err != nil {
		log.WithError(err).Warn("ui shutdown")
	}

	return nil
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notchd: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.UI.Listen + "/healthz")
	if err != nil {
		fmt.Println("notchd: not running")
		os.Exit(1)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		fmt.Println("notchd: running")
		return
	}
	fmt.Printf("notchd: unhealthy (%d)\n", resp.StatusCode)
	os.Exit(1)
}

func printHelp() {
	fmt.Print(`notchd - session coordinator for the notch shell

Usage:
  notchd [--config path]    run the coordinator daemon
  notchd status             check whether a daemon is running
  notchd version            print version
  notchd help               show this help
`)
}
