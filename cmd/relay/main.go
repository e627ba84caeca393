// Command relay runs the arc-relay MAVLink interception proxy: it sits
// between a ground control station and mavlink-router, decoding every
// frame, running it through the configured rule pipeline, and forwarding
// (or blocking, delaying, modifying, batching) the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/constellation-overwatch/arc-relay/internal/action"
	"github.com/constellation-overwatch/arc-relay/internal/batch"
	"github.com/constellation-overwatch/arc-relay/internal/config"
	"github.com/constellation-overwatch/arc-relay/internal/mavlink"
	"github.com/constellation-overwatch/arc-relay/internal/proxy"
	"github.com/constellation-overwatch/arc-relay/internal/rules"
	"github.com/constellation-overwatch/arc-relay/internal/script"
	"github.com/constellation-overwatch/arc-relay/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.yaml", "path to the relay configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arc-relay: failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		slog.Error("arc-relay exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out = os.Stdout
	if cfg.Output == "file" && cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "arc-relay: failed to open log file %q, logging to stdout: %v\n", cfg.File, err)
		} else {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// routerForwarder is a Sink whose destination is bound after construction.
// The batch aggregator's timeout handler has to exist before the Proxy
// Server does (it feeds the executor, which is a Server constructor
// argument), but the only thing worth forwarding a timed-out batch to is
// the router connection the Server dials once Run starts. Server.OnRouterReady
// supplies the real sink the moment it's known.
type routerForwarder struct {
	mu   sync.RWMutex
	sink action.Sink
}

func (f *routerForwarder) bind(sink action.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *routerForwarder) Forward(frame []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.sink == nil {
		return fmt.Errorf("router not yet connected")
	}
	return f.sink.Forward(frame)
}

// executorBinder breaks the same construction-order cycle as
// routerForwarder, one level up: the batch aggregator's timeout handler
// needs to resume a released batch's tail actions through the executor,
// but the executor isn't built until after the aggregator is (the
// aggregator is one of the executor's own constructor arguments).
type executorBinder struct {
	mu  sync.RWMutex
	exe *action.Executor
}

func (b *executorBinder) bind(exe *action.Executor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exe = exe
}

func (b *executorBinder) resumeTimeout(packets []batch.Packet, tail []rules.ActionStep, sink action.Sink) {
	b.mu.RLock()
	exe := b.exe
	b.mu.RUnlock()
	if exe == nil {
		slog.Error("batch timeout fired before executor was bound, dropping packets", "packets", len(packets))
		return
	}
	exe.ResumeBatchTimeout(packets, tail, sink)
}

func run(cfg *config.Config) error {
	catalog := mavlink.NewCatalog(cfg.MAVLink.Dialect)
	codec := mavlink.NewCodec(catalog)

	ruleDefs, err := cfg.BuildRules()
	if err != nil {
		return fmt.Errorf("building rules: %w", err)
	}
	store := rules.NewStore(ruleDefs)
	state := rules.NewStateManager(store)
	defer state.Stop()

	scriptHost, err := buildScriptHost(cfg.Scripts)
	if err != nil {
		return fmt.Errorf("loading scripts: %w", err)
	}

	engine := rules.NewEngine(store, state, catalog, scriptHost)

	routerFwd := &routerForwarder{}
	execBind := &executorBinder{}
	aggregator := batch.NewAggregator(func(key string, packets []batch.Packet, tail []rules.ActionStep, forwardOnTimeout bool) {
		if !forwardOnTimeout {
			slog.Debug("batch timed out without forwarding", "key", key, "packets", len(packets))
			return
		}
		execBind.resumeTimeout(packets, tail, routerFwd)
	})

	executor := action.NewExecutor(codec, aggregator, engine)
	execBind.bind(executor)

	var recorder *telemetry.Recorder
	var adminServer *telemetry.AdminServer
	var eventTap *telemetry.EventTap
	if cfg.Telemetry.Metrics.Enabled {
		natsURL, natsSubject, filePath := "", "", ""
		if cfg.Telemetry.Events.NATS != nil && cfg.Telemetry.Events.NATS.Enabled {
			natsURL = cfg.Telemetry.Events.NATS.URL
			natsSubject = cfg.Telemetry.Events.NATS.Subject
		}
		if cfg.Telemetry.Events.File != nil && cfg.Telemetry.Events.File.Enabled {
			filePath = cfg.Telemetry.Events.File.Path
		}
		eventTap = telemetry.NewEventTap(natsURL, natsSubject, filePath)
		recorder = telemetry.NewRecorder(eventTap)
	}
	if eventTap != nil {
		defer eventTap.Close()
	}

	server := proxy.New(cfg.Network.GCSListenAddr(), cfg.Network.RouterAddr(), catalog, codec, engine, executor, recorderAsTelemetry(recorder))
	server.OnRouterReady(routerFwd.bind)

	if recorder != nil {
		adminServer = telemetry.NewAdminServer(cfg.Telemetry.Metrics.ListenAddress, recorder, server)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	if adminServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adminServer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("admin server stopped", "error", err)
			}
		}()
	}

	slog.Info("arc-relay running",
		"gcs_listen", cfg.Network.GCSListenAddr(),
		"router", cfg.Network.RouterAddr(),
		"rules", len(ruleDefs),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	}

	wg.Wait()
	return nil
}

// recorderAsTelemetry adapts a possibly-nil *telemetry.Recorder to
// proxy.Telemetry. A nil *Recorder is itself nil-receiver-safe, but a
// nil *Recorder boxed into a non-nil proxy.Telemetry interface value is
// not the same as a nil interface, so this returns a true nil interface
// when telemetry is disabled.
func recorderAsTelemetry(r *telemetry.Recorder) proxy.Telemetry {
	if r == nil {
		return nil
	}
	return r
}

func buildScriptHost(cfg config.ScriptsConfig) (*script.Host, error) {
	host := script.NewHost()
	for name, file := range cfg.Plugins.Load {
		path := filepath.Join(cfg.Plugins.Directory, file)
		if err := host.LoadPluginFile(name, path); err != nil {
			return nil, err
		}
	}
	for name, file := range cfg.Modifiers.Load {
		path := filepath.Join(cfg.Modifiers.Directory, file)
		if err := host.LoadModifierFile(name, path); err != nil {
			return nil, err
		}
	}
	return host, nil
}
