package devcall

import (
	"context"
	"fmt"
	"os"

	"github.com/edgeflare/devcall/pkg/config"
	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/edgeflare/devcall/pkg/transport"
	"github.com/edgeflare/devcall/pkg/transport/debug"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register built-in connectors
	_ "github.com/edgeflare/devcall/pkg/transport/kafka"
	_ "github.com/edgeflare/devcall/pkg/transport/memory"
	_ "github.com/edgeflare/devcall/pkg/transport/mqtt"
	_ "github.com/edgeflare/devcall/pkg/transport/nats"
	_ "github.com/edgeflare/devcall/pkg/transport/pg"
)

var cfgFile string
var logLevel string
var cfg *config.Config
var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "devcall",
	Short: "devcall calls actions on home-automation devices over pub/sub",
	Long: `devcall turns publish/subscribe exchanges with devices into calls that
resolve with success, a remote error or a timeout.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/devcall.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")
	rootCmd.PersistentFlags().String("transport.connector", "", fmt.Sprintf("transport connector %v", transport.Connectors()))
	rootCmd.PersistentFlags().Bool("transport.debug", false, "log every message sent and received")
	rootCmd.PersistentFlags().String("call.topicPrefix", "", "prefix for all request/response topics")

	rootCmd.AddCommand(serveCmd, callCmd, deviceCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		return nil
	}

	var err error
	if logger, err = newLogger(logLevel); err != nil {
		return err
	}
	if cfg, err = config.Load(cfgFile, cmd.Flags()); err != nil {
		return err
	}
	if cfg.File != "" {
		logger.Debug("using config file", zap.String("file", cfg.File))
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// connect opens the configured transport.
func connect(ctx context.Context) (transport.Client, error) {
	raw, err := cfg.Transport.RawConfig()
	if err != nil {
		return nil, err
	}
	client, err := transport.Connect(ctx, cfg.Transport.Connector, raw, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Transport.Debug {
		return debug.Wrap(client, logger), nil
	}
	return client, nil
}

func newEngine(client transport.Client, opts ...rpc.Option) *rpc.Engine {
	base := []rpc.Option{
		rpc.WithLogger(logger),
		rpc.WithDefaultTimeout(cfg.Call.Timeout),
		rpc.WithTopicPrefix(cfg.Call.TopicPrefix),
	}
	return rpc.NewEngine(client, append(base, opts...)...)
}
