// Command voicekit is the voice-interaction client for the E4A learning
// platform: it captures microphone audio, streams it to the voice bridge,
// plays streamed assistant speech and lesson narration, and tracks the
// dialogue state of the session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/e4a-labs/voicekit/internal/app"
	"github.com/e4a-labs/voicekit/internal/config"
	"github.com/e4a-labs/voicekit/internal/health"
	"github.com/e4a-labs/voicekit/internal/observe"
	"github.com/e4a-labs/voicekit/internal/voicelog"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicekit.yaml", "path to the YAML configuration file")
	token := flag.String("token", "", "override bridge.token from the config file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicekit: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicekit: %v\n", err)
		}
		return 1
	}
	if *token != "" {
		cfg.Bridge.Token = *token
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Slog(),
	}))
	slog.SetDefault(logger)

	slog.Info("voicekit starting",
		"config", *configPath,
		"bridge", cfg.Bridge.URL,
		"transport_rate", cfg.Audio.TransportRate,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicekit"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio host ────────────────────────────────────────────────────────────
	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialise audio host", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio host termination error", "err", err)
		}
	}()

	// ── Transcript store (optional) ───────────────────────────────────────────
	var opts []app.Option
	var store *voicelog.Store
	if cfg.VoiceLog.PostgresDSN != "" {
		store, err = voicelog.Open(ctx, cfg.VoiceLog.PostgresDSN)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, app.WithStore(store))
	}

	// ── Assistant ─────────────────────────────────────────────────────────────
	assistant, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise assistant", "err", err)
		return 1
	}
	defer func() {
		if err := assistant.Close(); err != nil {
			slog.Warn("assistant close error", "err", err)
		}
	}()

	if err := assistant.Connect(ctx); err != nil {
		slog.Error("failed to open voice session", "err", err)
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)

	// ── Metrics and health listener ───────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		checkers := []health.Checker{
			{Name: "session", Check: assistant.SessionCheck},
		}
		if store != nil {
			checkers = append(checkers, health.Checker{Name: "voicelog", Check: store.Ping})
		}

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(checkers...).Register(mux)

		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		g.Go(func() error {
			slog.Info("observability listener up", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Interactive loop ──────────────────────────────────────────────────────
	g.Go(func() error { return commandLoop(ctx, assistant) })

	fmt.Println("voicekit ready — commands: toggle, say <text>, retry, status, quit")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutting down")
	assistant.Disconnect()
	return 0
}

// commandLoop reads user commands from stdin until EOF or cancellation.
func commandLoop(ctx context.Context, assistant *app.Assistant) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleCommand(ctx, assistant, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return context.Canceled
				}
				fmt.Println("error:", err)
			}
		}
	}
}

var errQuit = errors.New("quit requested")

func handleCommand(ctx context.Context, assistant *app.Assistant, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return nil
	case "toggle":
		return assistant.Toggle(ctx)
	case "say":
		if rest == "" {
			return errors.New("usage: say <text>")
		}
		return assistant.SendText(rest)
	case "retry":
		return assistant.Retry(ctx)
	case "status":
		printStatus(assistant)
		return nil
	case "log":
		for _, m := range assistant.Messages() {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.TimeOnly), m.Role, m.Content)
		}
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printStatus(assistant *app.Assistant) {
	fmt.Println("connected:", assistant.Connected())
	fmt.Println("listening:", assistant.Listening())
	snap := assistant.Dialogue()
	fmt.Println("mode:     ", snap.Mode)
	if left, limited := assistant.RateLimited(); limited {
		fmt.Printf("rate limited for another %s\n", left.Round(time.Second))
	}
	if user, asst := assistant.PartialTranscripts(); user != "" || asst != "" {
		fmt.Printf("in progress — you: %q, assistant: %q\n", user, asst)
	}
}
