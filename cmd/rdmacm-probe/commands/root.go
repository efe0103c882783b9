package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmacm/internal/config"
)

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath  string
	LogLevel    string
	DeviceName  string
	MetricsAddr string

	cfg *config.Config
}

// Config returns the configuration loaded before the command ran.
func (o *GlobalOptions) Config() *config.Config {
	return o.cfg
}

func (o *GlobalOptions) load() error {
	cfg, err := config.Load(o.ConfigPath, config.Options{
		LogLevel:    o.LogLevel,
		DeviceName:  o.DeviceName,
		MetricsAddr: o.MetricsAddr,
	})
	if err != nil {
		return err
	}

	o.cfg = cfg
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	return nil
}

// NewRootCmd creates the rdmacm-probe root command.
func NewRootCmd(version string) *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "rdmacm-probe",
		Short: "Exercise rdmacm endpoints against a simulated fabric",
		Long: `rdmacm-probe drives the rdmacm endpoint lifecycle: it creates a client
endpoint, resolves the peer, reserves a QP number with a dummy UD QP, connects,
disconnects and tears everything down in order.

Configuration is read from rdmacm.yaml and RDMACM_* environment variables:
  RDMACM_LOG_LEVEL
  RDMACM_CM_DEVICE_NAME
  RDMACM_METRICS_ENABLED
  RDMACM_PROBE_CONNECT_TIMEOUT`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.DeviceName, "device", "", "RDMA device name")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Metrics listen address")

	rootCmd.AddCommand(NewConnectCmd(opts))
	rootCmd.AddCommand(NewDevicesCmd(opts))
	rootCmd.AddCommand(NewConfigCmd(opts))

	return rootCmd
}

// setupLogging configures the global zerolog logger. Values were validated
// when the configuration was loaded.
func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// printf writes to the command's output stream.
func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
