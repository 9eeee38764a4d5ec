// Command worker runs the Task Messenger worker process: it connects to
// a manager, then repeatedly reads and dispatches tasks through the
// skill registry, reconnecting on transport failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/taskfabric/taskmessenger/internal/config"
	"github.com/taskfabric/taskmessenger/internal/logging"
	"github.com/taskfabric/taskmessenger/internal/reactor"
	"github.com/taskfabric/taskmessenger/internal/skill"
	"github.com/taskfabric/taskmessenger/internal/taskerr"
	"github.com/taskfabric/taskmessenger/internal/workerrt"
)

// Process exit codes.
const (
	exitClean         = 0
	exitConfigErr     = 1
	exitConnectFailed = 2
)

// maxReconnectAttempts bounds the worker's reconnect backoff loop before
// it gives up and exits with exitConnectFailed.
const maxReconnectAttempts = 10

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "worker: fatal: %v\n", r)
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
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		if code == exitClean {
			code = exitConfigErr
		}
	}
	os.Exit(code)
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Task Messenger worker: connects to a manager and executes tasks",
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

	var (
		r        *reactor.Reactor
		strategy workerrt.Strategy
	)
	if cfg.Worker.Mode == "async" {
		strategy = workerrt.Async
		r = reactor.New(reactor.DefaultPollInterval)
		if err := r.Start(cfg.TransportServer.IOThreads); err != nil {
			return exitConnectFailed, err
		}
		defer r.Stop()
	} else {
		strategy = workerrt.Blocking
	}

	rt := workerrt.New(workerrt.Config{
		Host:        cfg.Worker.ManagerHost,
		Port:        cfg.Worker.ManagerPort,
		Strategy:    strategy,
		Registry:    skill.NewIllustrativeRegistry(),
		MaxBodySize: cfg.MaxBodySize,
		Reactor:     r,
		Log:         log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Log("shutdown signal received")
		cancel()
		_ = rt.Shutdown()
	}()

	log.Info().Str("manager", fmt.Sprintf("%s:%d", cfg.Worker.ManagerHost, cfg.Worker.ManagerPort)).Log("worker connecting")

	attempts := 0
	for {
		status, err := rt.Run(runCtx)
		if runCtx.Err() != nil {
			return exitClean, nil
		}
		switch status {
		case workerrt.StatusPaused:
			attempts = 0
			continue
		case workerrt.StatusClosed:
			if err != nil && errors.Is(err, taskerr.ErrConnect) {
				attempts++
				if attempts >= maxReconnectAttempts {
					return exitConnectFailed, fmt.Errorf("%w: exhausted %d reconnect attempts", taskerr.ErrConnect, attempts)
				}
				log.Warning().Int("attempt", attempts).Err(err).Log("reconnecting after connect failure")
				time.Sleep(backoff(attempts))
				continue
			}
			if err != nil {
				log.Err().Err(err).Log("worker runtime closed")
			}
			attempts = 0
			time.Sleep(backoff(1))
		}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
