package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/config"
)

type configKey struct{}

var rootCmd = &cobra.Command{
	Use:   "norm-structurer",
	Short: "Structures legal texts with an escalating model chain",
	Long: "Consumes purified norms, extracts a verified division/article tree with the cheapest model that passes " +
		"verification, caches every version for replay, and commits embedded norms to the relational and vector stores.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if err := config.InitLogger(c.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, c))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// configFrom returns the configuration loaded by the root command.
func configFrom(cmd *cobra.Command) *config.Config {
	c, _ := cmd.Context().Value(configKey{}).(*config.Config)
	return c
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
