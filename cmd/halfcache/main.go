// Command halfcache serves a directory of page templates through the half-measure cache.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

type options struct {
	configFilename string
	verbose        bool
	trace          bool
	logFilename    string

	config Config
	closer []io.Closer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		return 1
	}
	return 0
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "halfcache",
		Short:         "Page cache that re-renders only the dynamic parts of a page",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.setupLogging(stderr); err != nil {
				return err
			}
			config, err := getConfig(opts.configFilename)
			if err != nil {
				return err
			}
			opts.config = config
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			for _, c := range opts.closer {
				c.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFilename, "config", "c", "", "Config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbosity: debug logging")
	cmd.PersistentFlags().BoolVar(&opts.trace, "vv", false, "Verbosity: trace logging")
	cmd.PersistentFlags().StringVar(&opts.logFilename, "log-file", "", "Log file to use (in addition to stderr)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newInvalidateCmd(opts))
	return cmd
}

// setupLogging sets the global logger level and outputs.
func (o *options) setupLogging(stderr io.Writer) error {
	logLevel := zerolog.InfoLevel
	if o.verbose {
		logLevel = zerolog.DebugLevel
	}
	if o.trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stderr
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: stderr}}
	if o.logFilename != "" {
		logFile, err := os.OpenFile(o.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		o.closer = append(o.closer, logFile)
		logOutputs = append(logOutputs, logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return nil
}
