package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qnnnnez/fullcone-nginx/pkg/config"
	"github.com/qnnnnez/fullcone-nginx/pkg/conntrack"
	"github.com/qnnnnez/fullcone-nginx/pkg/exposure"
	"github.com/qnnnnez/fullcone-nginx/pkg/metrics"
	"github.com/qnnnnez/fullcone-nginx/pkg/nginx"
	"github.com/qnnnnez/fullcone-nginx/pkg/server"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fullcone-nginx",
		Short: "fullcone-nginx - full-cone NAT in user space",
		Long: "Watches conntrack flow events and mirrors NAT-translated connections into\n" +
			"nginx stream listener blocks, so the external address the NAT picked for a\n" +
			"flow forwards back to the internal origin endpoint.",
		RunE: runDaemon,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to optional YAML config file")
	flags.StringP("nginx-conf", "n", "", "path of the generated nginx stream config")
	flags.StringP("reload-command", "r", "", "command launched after every commit, split on whitespace")
	flags.StringP("conntrack-bin", "c", "conntrack", "conntrack executable to run in event mode")
	flags.StringArrayP("allowed-network", "i", nil, "internal IPv4 network whose flows may be exposed (repeatable)")
	flags.StringP("extra-conf", "a", "", "extra directives inserted into every server block")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-listen", "", "listen address of the metrics/health endpoint, empty disables it")

	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE:  runCheck,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fullcone-nginx version %s\n", version)
		},
	}
}

// runDaemon wires the components together and drives the reconcile loop
// until an interrupt.
func runDaemon(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	logger := newLogger(level)
	defer logger.Sync()

	logger.Info("starting fullcone-nginx",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	configMgr, err := config.NewManager(configPath, cmd.Flags(), logger.Named("config"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	settings := configMgr.GetSettings()
	applyLogLevel(level, settings.LogLevel, logger)

	networks, err := settings.Networks()
	if err != nil {
		logger.Fatal("invalid allowed networks", zap.Error(err))
	}
	policy := exposure.NewPolicy(networks)

	instruments := metrics.NewMetrics()
	health := metrics.NewHealth(logger.Named("health"))

	reloader := nginx.NewReloader(settings.ReloadCommand, instruments.IncrementReloadsLaunched, logger.Named("nginx"))
	committer := nginx.NewCommitter(settings.NginxConf, reloader, logger.Named("nginx"))
	monitor := conntrack.NewMonitor(settings.ConntrackBin, logger.Named("conntrack"))

	srv, err := server.New(server.Config{
		Source:    monitor,
		Policy:    policy,
		Renderer:  nginx.NewRenderer(policy, settings.ExtraConf),
		Committer: committer,
		Metrics:   instruments,
		Health:    health,
		Logger:    logger.Named("server"),
	})
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if settings.MetricsListen != "" {
		go serveMetrics(ctx, settings.MetricsListen, instruments, health, logger.Named("metrics"))
	}

	// The allow-list and paths are fixed for the process lifetime; a
	// config file change applies the log level only.
	configMgr.WatchConfig()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-configMgr.OnChange():
				applyLogLevel(level, configMgr.GetSettings().LogLevel, logger)
				logger.Info("config reloaded, restart to apply anything beyond log_level")
			}
		}
	}()

	return srv.Run(ctx)
}

// runCheck loads and validates the configuration without starting the
// daemon, printing what the daemon would run with.
func runCheck(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(configPath, cmd.Flags(), zap.NewNop())
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	settings := configMgr.GetSettings()
	networks, err := settings.Networks()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Println("configuration ok")
	fmt.Printf("  nginx conf:     %s\n", settings.NginxConf)
	fmt.Printf("  reload command: %v\n", settings.ReloadArgv())
	fmt.Printf("  conntrack bin:  %s\n", settings.ConntrackBin)
	for _, network := range networks {
		fmt.Printf("  allowed:        %s\n", network)
	}
	if settings.ExtraConf != "" {
		fmt.Printf("  extra conf:     %s\n", settings.ExtraConf)
	}
	if settings.MetricsListen != "" {
		fmt.Printf("  metrics listen: %s\n", settings.MetricsListen)
	}
	return nil
}

// serveMetrics runs the metrics/health HTTP listener until the context
// is cancelled.
func serveMetrics(ctx context.Context, addr string, instruments *metrics.Metrics, health *metrics.Health, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", instruments.Handler())
	mux.Handle("/healthz", health.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}

// applyLogLevel parses name and moves the logger's atomic level to it.
func applyLogLevel(level zap.AtomicLevel, name string, logger *zap.Logger) {
	parsed, err := zapcore.ParseLevel(name)
	if err != nil {
		logger.Warn("ignoring invalid log level", zap.String("log_level", name), zap.Error(err))
		return
	}
	if level.Level() != parsed {
		level.SetLevel(parsed)
		logger.Info("log level applied", zap.String("log_level", name))
	}
}

// newLogger creates a production zap logger with console encoding for readability.
func newLogger(level zap.AtomicLevel) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
