package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/session-command/watchd/internal/config"
	"github.com/session-command/watchd/internal/hub"
	"github.com/session-command/watchd/internal/metrics"
	"github.com/session-command/watchd/internal/record"
	"github.com/session-command/watchd/internal/stream"
	"github.com/session-command/watchd/internal/tmux"
	"github.com/session-command/watchd/internal/view"
	"github.com/session-command/watchd/internal/watch"
)

const defaultConfigPath = "/etc/watchd/config.yaml"

func main() {
	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "sessions":
			runSessionsCommand(os.Args[2:])
			return
		case "monitor":
			runMonitorCommand(os.Args[2:])
			return
		case "tail":
			runTailCommand(os.Args[2:])
			return
		case "version":
			runVersionCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	// Default: run as daemon
	runDaemon()
}

// Version information
const Version = "0.1.0"

func printHelp() {
	fmt.Println(`watchd - session record daemon for tmux monitoring

Usage:
  watchd [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Show daemon status
  sessions     List session records
  monitor      Follow the session list from a running daemon
  tail         Follow live output of one pane
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default "/etc/watchd/config.yaml")

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runVersionCommand() {
	fmt.Printf("watchd version %s\n", Version)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
		return
	}

	tmuxClient := tmux.NewClient(&cfg.Tmux)
	panes, tmuxErr := tmuxClient.ListPanes()

	store := record.NewStore(cfg.Records.Dir)
	sessions, recErr := store.List()

	status := map[string]any{
		"version":        Version,
		"listen":         cfg.Server.Listen,
		"records_dir":    cfg.Records.Dir,
		"record_count":   len(sessions),
		"tmux_socket":    cfg.Tmux.Socket,
		"tmux_connected": tmuxErr == nil,
		"pane_count":     len(panes),
		"auth_enabled":   cfg.Server.Token != "",
	}
	if tmuxErr != nil {
		status["tmux_error"] = tmuxErr.Error()
	}
	if recErr != nil {
		status["records_error"] = recErr.Error()
	}

	if *jsonOutput {
		outputJSON(status)
	} else {
		fmt.Printf("Daemon Status\n")
		fmt.Printf("=============\n")
		fmt.Printf("Version:        %s\n", Version)
		fmt.Printf("Listen:         %s\n", cfg.Server.Listen)
		fmt.Printf("Records Dir:    %s\n", cfg.Records.Dir)
		fmt.Printf("Record Count:   %d\n", len(sessions))
		fmt.Printf("Tmux Socket:    %s\n", cfg.Tmux.Socket)
		fmt.Printf("Tmux Connected: %v\n", tmuxErr == nil)
		if tmuxErr != nil {
			fmt.Printf("Tmux Error:     %s\n", tmuxErr.Error())
		}
		fmt.Printf("Pane Count:     %d\n", len(panes))
		fmt.Printf("Auth Enabled:   %v\n", cfg.Server.Token != "")
	}
}

func runSessionsCommand(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
		return
	}

	store := record.NewStore(cfg.Records.Dir)
	sessions, err := store.List()
	if err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
		} else {
			log.Fatalf("Failed to list records: %v", err)
		}
		return
	}

	if *jsonOutput {
		outputJSON(map[string]any{"sessions": sessions})
		return
	}

	if len(sessions) == 0 {
		fmt.Println("No session records.")
		return
	}
	for _, sess := range sessions {
		target := sess.TmuxTarget
		if target == "" {
			target = "-"
		}
		fmt.Printf("%-36s  %-16s  %-12s  %s\n", sess.ID, target, sess.State, sess.CWD)
	}
}

// runMonitorCommand follows the daemon's session list over the sync
// channel and reprints the project tree on every snapshot.
func runMonitorCommand(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	urlFlag := fs.String("url", "", "Daemon websocket root (default from config listen address)")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	baseURL := *urlFlag
	if baseURL == "" {
		baseURL = "ws://" + cfg.Server.Listen
	}

	v := view.New()
	client := view.NewClient(v, view.ClientOptions{
		BaseURL:      baseURL,
		Header:       authHeader(cfg),
		OnUpdate:     func() { printProjectTree(v) },
		PingInterval: time.Duration(cfg.Channel.PingIntervalMs) * time.Millisecond,
		PongTimeout:  time.Duration(cfg.Channel.PongTimeoutMs) * time.Millisecond,
		BaseDelay:    time.Duration(cfg.Channel.ReconnectBaseMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Channel.ReconnectMaxMs) * time.Millisecond,
		Jitter:       time.Duration(cfg.Channel.ReconnectJitterMs) * time.Millisecond,
	})

	if err := client.Connect(); err != nil {
		log.Printf("Initial connect failed, retrying: %v", err)
	}
	defer client.Disconnect()

	waitForSignal()
}

func printProjectTree(v *view.View) {
	tree := v.ProjectTree()
	fmt.Printf("--- %s ---\n", time.Now().Format(time.TimeOnly))
	if len(tree) == 0 {
		fmt.Println("(no sessions)")
		return
	}
	for _, root := range tree {
		printProject(root, 0)
	}
}

func printProject(p *view.Project, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s%s\n", indent, p.CWD)
	for _, sess := range p.Sessions {
		target := sess.TmuxTarget
		if target == "" {
			target = "(detached)"
		}
		fmt.Printf("%s  [%s] %s %s\n", indent, sess.State, sess.ID, target)
	}
	for _, child := range p.Children {
		printProject(child, depth+1)
	}
}

// runTailCommand streams one pane's output to stdout. Each frame is a
// full buffer replacement, so the screen is cleared between frames.
func runTailCommand(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	urlFlag := fs.String("url", "", "Daemon websocket root (default from config listen address)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		log.Fatal("Usage: watchd tail [options] <pane-target>")
	}
	target := fs.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	baseURL := *urlFlag
	if baseURL == "" {
		baseURL = "ws://" + cfg.Server.Listen
	}

	s := stream.New(stream.Options{
		BaseURL: baseURL,
		Header:  authHeader(cfg),
		OnOutput: func(output string) {
			// Clear and repaint, the frame is the whole screen.
			fmt.Print("\033[2J\033[H")
			fmt.Print(output)
		},
		OnState: func(connected bool) {
			if !connected {
				log.Printf("Stream to %s dropped, reconnecting", target)
			}
		},
		ResizeDebounce: time.Duration(cfg.Stream.ResizeDebounceMs) * time.Millisecond,
		ReconnectDelay: time.Duration(cfg.Stream.ReconnectDelayMs) * time.Millisecond,
	})

	if err := s.Connect(target); err != nil {
		log.Printf("Initial connect failed, retrying: %v", err)
	}
	defer s.Disconnect()

	waitForSignal()
}

func authHeader(cfg *config.Config) http.Header {
	if cfg.Server.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.Server.Token)
	return h
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		log.Fatalf("Failed to encode JSON: %v", err)
	}
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store := record.NewStore(cfg.Records.Dir)
	watcher := watch.NewWatcher(cfg.Records.Dir, time.Duration(cfg.Watch.PollIntervalMs)*time.Millisecond)
	tmuxClient := tmux.NewClient(&cfg.Tmux)

	h := hub.New(cfg, store, watcher, tmuxClient)
	h.Start()
	defer h.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/sessions", h.HandleSessions)
	mux.HandleFunc("/ws/output/", h.HandleOutput)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
	}

	// Hot reload: only the token can change without a restart, the
	// rest of the config is bound at startup.
	stopReload, err := config.WatchFile(*configPath, func(next *config.Config) {
		h.SetToken(next.Server.Token)
		log.Printf("Config reloaded from %s", *configPath)
	})
	if err != nil {
		log.Printf("Config reload disabled: %v", err)
	} else {
		defer stopReload()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("watchd %s listening on %s (records: %s)", Version, cfg.Server.Listen, cfg.Records.Dir)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
