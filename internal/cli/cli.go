// ============================================================================
// procpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands of the procpool binary
//
// Command Structure:
//   procpool                       # Root command
//   ├── run                        # Start the supervisor and its workers
//   │   └── --config, -c          # Specify config file
//   ├── worker                     # Hidden: body of a re-executed worker process
//   ├── submit                     # Submit one job through the gateway
//   │   └── --group, --data, --file
//   ├── status                     # Print the shared state of a running pool
//   │   └── --state
//   └── --version
//
// run Command:
//   1. Load config file and set up logging and tracing
//   2. Start the metrics server (if enabled)
//   3. Describe the configured groups and start the pool
//   4. Start the gRPC gateway (if enabled)
//   5. SIGHUP restarts every worker, SIGINT/SIGTERM stop the pool
//
//   Examples:
//     ./procpool run
//     ./procpool run -c custom-config.yaml
//
// worker Command:
//   Started by the supervisor only. The control channel runs over stdin and
//   stdout, so nothing else may write to stdout. The exit code reports how the
//   worker ended (0 clean, 1 error, 2 panic, 3 fatal, 4 channel lost).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/entrypoints"
	"github.com/ChuLiYu/procpool/internal/gateway"
	"github.com/ChuLiYu/procpool/internal/metrics"
	"github.com/ChuLiYu/procpool/internal/observability"
	"github.com/ChuLiYu/procpool/internal/pool"
	"github.com/ChuLiYu/procpool/internal/state"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procpool",
		Short: "procpool: a multi-process worker pool supervisor",
		Long: `procpool starts and supervises groups of worker processes:
- restart strategies per group
- job dispatch over unix sockets
- listener sharing for reactor workers
- Prometheus metrics and a gRPC job gateway`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// newRegistry returns the entry points and runners known to this binary. The
// supervisor and its re-executed workers resolve names against the same set.
func newRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	entrypoints.Register(reg)
	return reg
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pool supervisor",
		Long:  "Start the supervisor, spawn the configured worker groups and keep them running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runPool(cfg)
		},
	}
}

func runPool(cfg *Config) error {
	logger, err := observability.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		srv := metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Info("Starting metrics server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	p := pool.New(poolConfig(cfg, logger, collector))
	for _, g := range cfg.Groups {
		if _, err := p.DescribeGroup(g); err != nil {
			return fmt.Errorf("group %q: %w", g.DisplayName(), err)
		}
	}
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}
	logger.Info("Pool started", zap.Int("workers", p.RunningWorkers()), zap.String("config", configFile))

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		if gw, err = startGateway(cfg, p, logger); err != nil {
			return errors.Join(err, p.Stop(context.Background()))
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("Received SIGHUP, restarting workers")
				if err := p.Restart(ctx); err != nil {
					logger.Warn("Restart failed", zap.Error(err))
				}
			}
		}
	}()

	err = p.Wait(ctx)
	if gw != nil {
		gw.Stop()
	}
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal, stopping gracefully...")
		err = p.Stop(context.Background())
	}
	if err != nil {
		return err
	}
	logger.Info("Pool stopped. Goodbye!")
	return nil
}

func poolConfig(cfg *Config, logger *zap.Logger, collector *metrics.Collector) pool.Config {
	return pool.Config{
		RunDir:            cfg.Pool.RunDir,
		StatePath:         cfg.Pool.StatePath,
		Factory:           &pool.ExecFactory{},
		Logger:            logger,
		Metrics:           collector,
		PickupStrategy:    cfg.Pool.PickupStrategy,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		PongTimeout:       cfg.Pool.PongTimeout,
		StartTimeout:      cfg.Pool.StartTimeout,
		ShutdownTimeout:   cfg.Pool.ShutdownTimeout,
		SampleInterval:    cfg.Metrics.SampleInterval,
	}
}

func startGateway(cfg *Config, p *pool.Pool, logger *zap.Logger) (*gateway.Server, error) {
	sub, err := p.Submitter()
	if err != nil {
		return nil, fmt.Errorf("failed to create submitter: %w", err)
	}
	lis, err := net.Listen("tcp", cfg.Gateway.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Gateway.Address, err)
	}
	gw := gateway.New(gateway.Config{Submitter: sub, Logger: logger, Timeout: cfg.Gateway.Timeout})
	go func() {
		if err := gw.Serve(lis); err != nil {
			logger.Error("Gateway stopped", zap.Error(err))
		}
	}()
	return gw, nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run as a worker process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runWorker(os.Stdin, os.Stdout, os.Stderr))
			return nil
		},
	}
}

// runWorker runs one worker over the given control streams and returns the
// process exit code. Interrupts are ignored: the supervisor owns shutdown and
// a terminal's Ctrl-C reaches the whole process group.
func runWorker(in io.ReadCloser, out io.WriteCloser, errOut io.Writer) int {
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	// everything else is forwarded to the supervisor over the control channel
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(zapcore.AddSync(errOut)),
		zap.ErrorLevel,
	)).With(zap.String(pool.WorkerIDEnv, os.Getenv(pool.WorkerIDEnv)))
	defer logger.Sync()

	ch := control.NewChannel(control.NewPipe(in, out))
	err := worker.Bootstrap(ctx, ch, newRegistry(), nil)
	code := worker.ExitCode(err)
	if err != nil {
		fields := []zap.Field{zap.Int("exit_code", code), zap.Error(err)}
		var panicErr *worker.PanicError
		if errors.As(err, &panicErr) {
			fields = append(fields, zap.ByteString("stack", panicErr.Stack))
		}
		logger.Error("Worker exited", fields...)
	}
	return code
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		addr     string
		groupID  int
		priority int
		data     string
		file     string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job through the gateway",
		Long:  "Send one job to a worker group through a running pool's gRPC gateway and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(data)
			if file != "" {
				var err error
				if payload, err = readPayload(file, cmd.InOrStdin()); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return submitJob(ctx, cmd.OutOrStdout(), addr, groupID, priority, payload)
		},
	}

	cmd.Flags().StringVar(&addr, "gateway", defaultGatewayAddress, "gateway address")
	cmd.Flags().IntVarP(&groupID, "group", "g", 0, "target worker group id")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority, higher runs first")
	cmd.Flags().StringVarP(&data, "data", "d", "", "job payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the result")
	cmd.MarkFlagRequired("group")

	return cmd
}

func readPayload(file string, stdin io.Reader) ([]byte, error) {
	if file == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	return data, nil
}

func submitJob(ctx context.Context, out io.Writer, addr string, groupID, priority int, payload []byte) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer conn.Close()

	result, err := gateway.NewClient(conn).Submit(ctx, groupID, priority, payload)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", result)
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		Long:  "Print worker readiness, job counts and heartbeats from the shared state of a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statePath == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if statePath = cfg.statePath(); statePath == "" {
					return errors.New("state path unknown: set pool.run_dir or pass --state")
				}
			}
			return showStatus(cmd.OutOrStdout(), statePath, time.Now())
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "shared state file (default from config)")
	return cmd
}

func showStatus(out io.Writer, path string, now time.Time) error {
	store, err := state.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open shared state: %w", err)
	}
	defer store.Close()

	ranges, err := store.ReadPoolRanges()
	if err != nil {
		return fmt.Errorf("failed to read pool ranges: %w", err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                  procpool Status                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "State file: %s\n\n", path)

	if len(ranges) == 0 {
		fmt.Fprintln(out, "No worker groups published")
		return nil
	}

	ready := 0
	for _, gid := range state.SortedGroupIDs(ranges) {
		r := ranges[gid]
		fmt.Fprintf(out, "Group %d (workers %d-%d):\n", gid, r.Low, r.High)
		for id := r.Low; id <= r.High; id++ {
			v, err := store.Worker(id)
			if err != nil {
				return fmt.Errorf("failed to read worker %d: %w", id, err)
			}
			heartbeat := "never"
			if !v.UpdatedAt.IsZero() {
				heartbeat = now.Sub(v.UpdatedAt).Round(time.Millisecond).String() + " ago"
			}
			mark := "✗"
			if v.Ready {
				mark = "✓"
				ready++
			}
			fmt.Fprintf(out, "  ├─ %s worker %-4d pid %-8d jobs %-4d heartbeat %s\n", mark, id, v.PID, v.JobCount, heartbeat)
		}
	}
	fmt.Fprintf(out, "\nReady workers: %d\n", ready)
	return nil
}
