package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/coordinator/internal/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Multi-agent task coordination runtime",
		Long: `coordinator schedules dependent tasks across worker agents:

  1. Resolve task dependencies and retry failed attempts
  2. Arbitrate exclusive resources and break deadlocks
  3. Route messages and resolve conflicts between agents
  4. Balance load and steal work from overloaded agents`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default is .coordinator/config.yaml over ~/.coordinator/config.yaml)")

	cmd.AddCommand(newRunCmd(opts), newGraphCmd(), newConfigCmd(opts))
	return cmd
}

// loadConfig loads the file named by --config on top of the global config,
// or the conventional layered paths when the flag is empty.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configFile == "" {
		return config.LoadDefault()
	}
	global, _, err := config.DefaultPaths()
	if err != nil {
		return nil, err
	}
	return config.Load(global, o.configFile)
}
