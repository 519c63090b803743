// Package cli implements the bridge command line.
package cli

import (
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Salon booking to Klaviyo bridge",
	Long: `bridge receives booking webhooks from the salon platform, buffers them
durably, and once a day aggregates each customer's events into a single
profile update on Klaviyo.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Logging.Level = level
		}
		logger = logging.New(
			logging.ParseLevel(cfg.Logging.Level),
			cfg.Logging.Format,
		).With(logging.Service("salonhub-bridge"))
		logging.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/salonhub-bridge/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level: debug, info, warn, error")
}
