// Command manager runs the Task Messenger manager process: it accepts
// worker connections, streams enqueued tasks to them, and delivers
// responses to an application sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/taskfabric/taskmessenger/internal/acceptor"
	"github.com/taskfabric/taskmessenger/internal/config"
	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/metrics"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/session"
	"github.com/taskfabric/taskmessenger/internal/socket"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/taskpool"
)

// Process exit codes.
const (
	exitClean      = 0
	exitConfigErr  = 1
	exitBindFailed = 2
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "manager: fatal: %v\n", r)
			os.Exit(exitConfigErr)
		}
	}()

	root := buildCLI()
	root.Version = fmt.Sprintf("%s (%s)", version, commit)

	code := exitClean
	root.RunE = func(cmd *cobra.Command, args []string) error {
		c, err := run(cmd.Context(), cmd.Flags())
		code = c
		return err
	}

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "manager: %v\n", err)
		if code == exitClean {
			code = exitConfigErr
		}
	}
	os.Exit(code)
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "manager",
		Short: "Task Messenger manager: accepts workers, dispatches tasks",
	}
	root.Flags().StringP("config", "c", "", "path to JSON config file")
	config.RegisterFlags(root.Flags())
	return root
}

func run(ctx context.Context, flags *pflag.FlagSet) (int, error) {
	configPath, _ := flags.GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return exitConfigErr, err
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	host, port := cfg.ResolvedListenAddr()
	listener, err := socket.Listen(fmt.Sprintf("%s:%d", host, port), 128)
	if err != nil {
		return exitBindFailed, fmt.Errorf("%w: %v", taskerr.ErrBind, err)
	}

	r := reactor.New(reactor.DefaultPollInterval)
	if err := r.Start(cfg.TransportServer.IOThreads); err != nil {
		return exitBindFailed, err
	}
	defer r.Stop()

	// Held for the lifetime of the listening socket, so the reactor's
	// stats reflect the server as outstanding work even between accepts.
	guard := r.MakeWorkGuard()
	defer guard.Release()

	pool := taskpool.New()
	mgr := session.NewManager(pool, r, session.NewBatchingSink(&noopSink{}, session.BatchConfig{}), cfg.MaxBodySize, log)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer cancelMetrics()
		go func() {
			if err := collector.Serve(metricsCtx, cfg.Metrics.ListenAddr); err != nil {
				log.Err().Err(err).Log("metrics server stopped")
			}
		}()
		go pollMetrics(metricsCtx, collector, mgr, r)
	}

	accOpts := []acceptor.Option{acceptor.WithLogger(log)}
	if cfg.Acceptor.RateLimit > 0 {
		// A single sliding one-second window: the steady per-IP rate plus
		// the burst allowance.
		accOpts = append(accOpts, acceptor.WithAcceptRateLimit(map[time.Duration]int{
			time.Second: cfg.Acceptor.RateLimit + cfg.Acceptor.RateBurst,
		}))
	}
	acc := acceptor.New(listener, mgr, accOpts...)
	runCtx, cancel := context.WithCancel(ctx)
	acc.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info().Str("addr", fmt.Sprintf("%s:%d", host, port)).Log("manager listening")

	<-sigCh
	log.Info().Log("shutdown signal received")
	cancel()

	if err := acc.Stop(); err != nil {
		log.Err().Err(err).Log("listener close failed")
	}
	pool.Shutdown()
	mgr.Wait()

	return exitClean, nil
}

type noopSink struct{}

func (noopSink) Deliver(uint32, []byte) {}

// pollMetrics pushes session and reactor snapshots into collector on a
// fixed interval until ctx is cancelled, turning the cumulative counters
// session.Manager.Stats and reactor.Reactor.Stats return into the
// delta-based Prometheus counters Collector expects.
func pollMetrics(ctx context.Context, collector *metrics.Collector, mgr *session.Manager, r *reactor.Reactor) {
	const interval = 2 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		prevSession session.Stats
		prevReactor uint64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := mgr.Stats()
			collector.UpdateSessionStats(prevSession, cur)
			prevSession = cur

			rs := r.Stats()
			collector.UpdateReactorStats(prevReactor, rs)
			prevReactor = rs.TotalProcessed
		}
	}
}
