// Package cmd provides the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyferry/skyferry/internal/config"
	"github.com/skyferry/skyferry/internal/server"
)

const defaultShutdownTimeout = 30 * time.Second

// Version information - set at build time via ldflags.
//
//nolint:gochecknoglobals // build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
	BuiltBy   = "unknown"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	cfgFile   string
	logLevel  string
	logPretty bool
	listen    string

	partSize   int64
	channels   int
	speedLimit int64

	showVersion bool
	appConfig   config.Config
)

// rootCmd represents the base command.
//
//nolint:gochecknoglobals // cobra requires package-level command variable
var rootCmd = &cobra.Command{
	Use:   "skyferry",
	Short: "Move large files in and out of S3-compatible storage",
	Long: `skyferry uploads and downloads single files to and from S3-compatible
object storage. Large files are split into parts that travel over several
connections in parallel; failed parts are retried on their own.

Open multipart uploads are recorded in a local journal so they can be
listed and aborted later.`,
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command.
func Execute() {
	// Check for version flag early to avoid config loading
	for _, arg := range os.Args[1:] {
		if arg == "-V" || arg == "--version" {
			printVersion()
			return
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "print version information and exit")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.skyferry.yaml)")
	flags.StringVar(&listen, "listen", "", "serve status and metrics on this address while running")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&logPretty, "log-pretty", false, "enable pretty (human-readable) logging")
	flags.Int64Var(&partSize, "part-size", 0, "part size in bytes (overrides storage.partSize)")
	flags.IntVar(&channels, "channels", 0, "parallel connections per transfer (overrides storage.channelCount)")
	flags.Int64Var(&speedLimit, "speed-limit", 0, "bytes/sec per transfer (overrides storage.speedLimit)")

	rootCmd.AddCommand(
		uploadCmd,
		downloadCmd,
		hashCmd,
		infoCmd,
		rmCmd,
		uploadsCmd,
	)
}

func run(cmd *cobra.Command, _ []string) error {
	if showVersion {
		printVersion()
		return nil
	}
	return cmd.Help()
}

// withServer builds the process components, cancels ctx on SIGINT or
// SIGTERM and shuts everything down once fn returns.
func withServer(fn func(ctx context.Context, srv *server.Server) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, appConfig, server.Options{
		Logger: log.With().Str("component", "main").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Controllers outlive the transfer context so events of a cancelled
	// transfer are still recorded.
	if err = srv.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Handle repeated signals during shutdown - force exit on second signal
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal, cancelling")
		cancel()

		// Wait for second signal
		<-sigCh
		log.Warn().Msg("received second signal, forcing exit")
		os.Exit(1)
	}()

	go func() {
		select {
		case err := <-srv.Errors():
			log.Error().Err(err).Msg("status endpoint failed")
		case <-ctx.Done():
		}
	}()

	runErr := fn(ctx, srv)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	return runErr
}

//nolint:forbidigo // CLI version output requires fmt.Printf
func printVersion() {
	fmt.Printf("skyferry %s\n", Version)
	fmt.Printf("  commit:   %s\n", Commit)
	fmt.Printf("  built:    %s\n", BuildDate)
	fmt.Printf("  built by: %s\n", BuiltBy)
}

func initConfig() {
	// Load config from file and environment variables
	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: cfgFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Apply CLI flag overrides
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if partSize > 0 {
		cfg.Storage.PartSize = partSize
	}
	if channels > 0 {
		cfg.Storage.ChannelCount = channels
	}
	if speedLimit > 0 {
		cfg.Storage.SpeedLimit = speedLimit
	}

	appConfig = cfg

	// Setup logging based on CLI flags
	setupLogging()
}

func setupLogging() {
	// Set log level based on CLI flag
	switch strings.ToLower(logLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Setup output based on CLI flag
	if logPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}) //nolint:reassign // standard zerolog pattern
	}
}
