package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/norm-structurer/internal/config"
)

var (
	failuresBy  string
	failuresOut string
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Triage documents recorded in the failure log",
}

var failuresSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize failures by document or by error kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), configFrom(cmd), config.ModeFailures, envParts{Failures: true})
		if err != nil {
			return err
		}
		defer env.Close()

		switch failuresBy {
		case "document":
			docs, err := env.Failures.SummaryByDocument(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		case "kind":
			kinds, err := env.Failures.SummaryByKind(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), kinds)
		default:
			return eris.Errorf("--by must be document or kind, got %q", failuresBy)
		}
	},
}

var failuresExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print each failed document id once, one per line",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), configFrom(cmd), config.ModeFailures, envParts{Failures: true})
		if err != nil {
			return err
		}
		defer env.Close()

		w := cmd.OutOrStdout()
		if failuresOut != "" {
			f, err := os.Create(failuresOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", failuresOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		n, err := env.Failures.WriteExport(cmd.Context(), w)
		if err != nil {
			return err
		}
		if failuresOut != "" {
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "exported %d document ids to %s\n", n, failuresOut)
		}
		return err
	},
}

func init() {
	failuresSummaryCmd.Flags().StringVar(&failuresBy, "by", "document", "group by document or kind")
	failuresExportCmd.Flags().StringVar(&failuresOut, "out", "", "write ids to this file instead of stdout")
	failuresCmd.AddCommand(failuresSummaryCmd, failuresExportCmd)
	rootCmd.AddCommand(failuresCmd)
}
