package cli

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mountgw/internal/config"
	"mountgw/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mountgw",
		Short:         "Serve single-page apps behind path prefixes on one endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	addPersistentFlags(cmd)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRoutesCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the mountgw version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mountgw %s\n", version)
		},
	})
	return cmd
}

func Execute() error {
	return newRootCmd().Execute()
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway YAML config (default ./"+config.DefaultFile+" if present)")
	cmd.PersistentFlags().String("routes-dir", "", "Directory holding routes-config[.<env>].json")
	cmd.PersistentFlags().String("routes-file", "", "Use this route file instead of the env-specific candidates")
}

// loadConfig resolves defaults, the YAML file, the environment and finally
// flags, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if v, _ := cmd.Flags().GetString("routes-dir"); v != "" {
		cfg.RoutesDir = v
	}
	if v, _ := cmd.Flags().GetString("routes-file"); v != "" {
		cfg.RoutesFile = v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(out io.Writer, cfg config.Config) (*logrus.Logger, error) {
	return logging.New(out, cfg.Log.Level, cfg.Log.Format)
}
