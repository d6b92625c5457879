// ============================================================================
// streamprocd - Stream Processor Controller Daemon
// ============================================================================
//
// Package: cmd/streamprocd
// File: main.go
// Purpose: cobra-based process entrypoint wiring internal/config,
// internal/controller, internal/metrics, and internal/healthsvc together,
// following internal/cli/cli.go's run-command shape and cmd/demo/main.go's
// plain wiring. A golang.org/x/sync/errgroup group runs the health gRPC
// server and its context ends the wait for a shutdown signal if that
// server fails; the metrics server runs detached and the controller is
// closed directly.
//
// Command Structure:
//   streamprocd
//   └── run                 # Start the controller daemon
//       └── --config, -c    # Specify config file
//
// run Command:
//   1. Load YAML config
//   2. Build a Controller wired with a FileLog (an in-memory log when
//      read_only is set), a FileStore, and the echoProcessor placeholder
//   3. Start the metrics HTTP server (if enabled)
//   4. Start the health gRPC server (if enabled)
//   5. Block on SIGINT/SIGTERM, then close everything in order
//
// ============================================================================

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowlog/streamproc/internal/config"
	"github.com/flowlog/streamproc/internal/controller"
	"github.com/flowlog/streamproc/internal/healthsvc"
	"github.com/flowlog/streamproc/internal/metrics"
	"github.com/flowlog/streamproc/internal/snapshotstore"
	"github.com/flowlog/streamproc/internal/streamlog"
	"github.com/flowlog/streamproc/internal/streamproc"
)

var log = slog.Default()

func main() {
	if err := buildCLI().Execute(); err != nil {
		log.Error("streamprocd exited with error", "err", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "streamprocd",
		Short: "streamprocd drives a StreamProcessor against a durable event log",
		Long: `streamprocd is the daemon form of internal/controller: it opens a
stream log and snapshot store, recovers the last checkpoint, reprocesses
anything written since, and then runs live, exposing Prometheus metrics
and a gRPC health check.`,
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	root.AddCommand(buildRunCommand(&configFile))
	return root
}

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the stream processor controller daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configFile)
		},
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var logStore streamlog.Log
	if cfg.ReadOnly {
		logStore = streamlog.NewMemoryLog()
	} else {
		logStore, err = streamlog.OpenFileLog(cfg.Log.Dir+"/log.jsonl", cfg.Log.BufferSize, cfg.Log.FlushInterval)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
	}

	snapStore, err := snapshotstore.NewFileStore(cfg.Snapshot.Dir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.Metrics.Enabled {
		sink = metrics.NewCollector()
	}

	ctrl := controller.NewController(cfg.Name, controller.Config{
		ProducerID:      streamlog.ProducerID(cfg.ProducerID),
		ReadOnly:        cfg.ReadOnly,
		SnapshotPeriod:  cfg.Snapshot.Period,
		MaxWriteRetries: cfg.Snapshot.MaxWriteRetries,
	}, controller.Dependencies{
		Log:           logStore,
		SnapshotStore: snapStore,
		Processor:     newEchoProcessor(),
		Metrics:       sink,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	if err := ctrl.Open(groupCtx); err != nil {
		return fmt.Errorf("open controller: %w", err)
	}
	log.Info("controller running", "name", cfg.Name, "phase", ctrl.Phase())

	// The metrics server has no graceful-stop hook (promhttp.Handler plus
	// http.ListenAndServe, same as the teacher's internal/cli.go), so it
	// runs detached rather than joined by the errgroup: joining it would
	// block shutdown forever waiting for a listener that never returns.
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	var healthSrv *healthsvc.Server
	if cfg.Health.Enabled {
		healthSrv = healthsvc.NewServer(ctrl, "")
		group.Go(func() error {
			return healthSrv.Serve(fmt.Sprintf(":%d", cfg.Health.Port))
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received shutdown signal")
	case <-groupCtx.Done():
		log.Error("a daemon component failed", "err", context.Cause(groupCtx))
	}

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := ctrl.Close(); err != nil {
		log.Error("controller close failed", "err", err)
	}
	cancel()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon component error: %w", err)
	}
	return nil
}

// echoProcessor is the StreamProcessor run when no embedding application
// has supplied its own: it copies every record's payload to a new output
// record, the simplest possible four-phase handler. It exists so
// streamprocd is runnable standalone for smoke-testing a log/snapshot
// pair, the same role cmd/demo/main.go played for the teacher's queue.
type echoProcessor struct {
	state *echoState
}

func newEchoProcessor() *echoProcessor {
	return &echoProcessor{state: &echoState{}}
}

func (p *echoProcessor) OnOpen(ctx context.Context) error { return nil }

func (p *echoProcessor) OnEvent(rec streamlog.Record) (streamproc.EventProcessor, error) {
	return &echoHandler{rec: rec, state: p.state}, nil
}

func (p *echoProcessor) OnRecovered() error { return nil }
func (p *echoProcessor) OnClose() error     { return nil }
func (p *echoProcessor) StateResource() streamproc.StateResource {
	return p.state
}

type echoHandler struct {
	rec   streamlog.Record
	state *echoState
}

func (h *echoHandler) Process(lc *streamproc.LifecycleContext) error { return nil }

func (h *echoHandler) ExecuteSideEffects() (bool, error) { return true, nil }

func (h *echoHandler) WriteEvent(w streamlog.Writer) (streamlog.Position, error) {
	return w.Append(h.rec.Payload)
}

func (h *echoHandler) UpdateState() error {
	h.state.Inc()
	return nil
}

// echoState counts records processed, the smallest possible StateResource.
type echoState struct {
	mu    sync.Mutex
	count int64
}

func (s *echoState) Reset() {
	s.mu.Lock()
	s.count = 0
	s.mu.Unlock()
}

func (s *echoState) SerializeTo(w io.Writer) error {
	s.mu.Lock()
	n := s.count
	s.mu.Unlock()
	_, err := fmt.Fprintf(w, "%d", n)
	return err
}

func (s *echoState) RestoreFrom(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var n int64
	if len(data) > 0 {
		if _, err := fmt.Sscanf(string(bytes.TrimSpace(data)), "%d", &n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()
	return nil
}

func (s *echoState) Inc() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}
