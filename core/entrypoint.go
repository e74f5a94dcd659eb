package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"syscall"
	"time"

	"github.com/cabelitos/openr/linkmon"
	"github.com/cabelitos/openr/perf"
	"github.com/cabelitos/openr/spark"
	"github.com/cabelitos/openr/sparkio"
	"github.com/cabelitos/openr/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

const linkMonitorPollInterval = 2 * time.Second

func buildLogger(cfg *state.Config, logLevel slog.Level) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: cfg.NodeName,
		}),
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start wires the process together and blocks until shutdown: logger,
// discovery socket, link monitor poller, the spark engine and its main
// loop.
func Start(cfg state.Config, logLevel slog.Level) error {
	state.ExpandConfig(&cfg)
	if err := state.ConfigValidator(&cfg); err != nil {
		return err
	}

	logger, err := buildLogger(&cfg, logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(context.Canceled)

	dispatch := make(chan func(s *state.State) error, 128)
	neighborEvents := make(chan state.SparkNeighborEvent, 512)
	interfaceUpdates := make(chan state.InterfaceDatabase, 16)

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:          ctx,
			Cancel:           cancel,
			DispatchChannel:  dispatch,
			Cfg:              cfg,
			Log:              logger,
			NeighborEvents:   neighborEvents,
			InterfaceUpdates: interfaceUpdates,
		},
	}

	io, err := sparkio.NewUDPProvider(cfg.UDPMcastPort, cfg.IPTos, logger)
	if err != nil {
		return fmt.Errorf("preparing discovery socket: %w", err)
	}

	s.Log.Info("init modules")
	if err := initModules(&s, io); err != nil {
		return err
	}
	s.Log.Info("init modules complete")

	poller := &linkmon.Poller{
		NodeName: cfg.NodeName,
		Interval: linkMonitorPollInterval,
		Out:      interfaceUpdates,
		Log:      logger,
	}
	go poller.Run(ctx)

	// stand-in for the LinkMonitor consumer: surface neighbor events in
	// the log
	go func() {
		for {
			select {
			case ev := <-neighborEvents:
				logger.Info("neighbor event",
					"event", ev.EventType.String(),
					"neighbor", ev.Neighbor.NodeName,
					"interface", ev.IfName,
					"area", ev.Area,
					"rttUs", ev.RttUs,
					"label", ev.Label)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.Log.Info("Spark has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State, io sparkio.Provider) error {
	modules := []state.Module{
		spark.New(io),
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches an initialized module by type.
func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// MainLoop serializes every mutation of engine state onto one goroutine.
func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context))
	Stop(s)
	return nil
}

// Stop tears the modules down exactly once.
func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		if err := module.Cleanup(s); err != nil {
			s.Log.Error("error occurred during cleanup", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
