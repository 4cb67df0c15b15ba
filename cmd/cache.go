package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/model"
)

var cacheStage string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and administer the versioned stage cache",
}

var cacheVersionsCmd = &cobra.Command{
	Use:   "versions <document-id>",
	Short: "List cached versions of a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, closeCache, err := openAdminCache(cmd)
		if err != nil {
			return err
		}
		defer closeCache()

		stage := stageFlag(cmd)
		id := model.DocumentID(args[0])
		versions, err := c.ListVersions(cmd.Context(), stage, id)
		if err != nil {
			return err
		}
		out := map[string]any{"stage": stage, "document_id": id, "versions": versions}
		if meta, err := c.Metadata(cmd.Context(), stage, id); err == nil {
			out["latest_version"] = meta.LatestVersion
			out["created_at"] = meta.CreatedAt
			out["updated_at"] = meta.UpdatedAt
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <document-id> [version]",
	Short: "Print one cached version (latest by default)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := cache.Latest
		if len(args) == 2 {
			v, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			version = v
		}

		c, closeCache, err := openAdminCache(cmd)
		if err != nil {
			return err
		}
		defer closeCache()

		entry, err := c.Get(cmd.Context(), stageFlag(cmd), model.DocumentID(args[0]), version)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <document-id> <version>",
	Short: "Delete one cached version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		if version == cache.Latest {
			return eris.New("cache delete needs an explicit version")
		}

		c, closeCache, err := openAdminCache(cmd)
		if err != nil {
			return err
		}
		defer closeCache()

		id := model.DocumentID(args[0])
		if err := c.Delete(cmd.Context(), stageFlag(cmd), id, version); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", cache.PayloadKey(stageFlag(cmd), id, version))
		return err
	},
}

func openAdminCache(cmd *cobra.Command) (cache.Cache, func(), error) {
	env, err := initEnv(cmd.Context(), configFrom(cmd), config.ModeAdmin, envParts{Cache: true})
	if err != nil {
		return nil, nil, err
	}
	return env.Cache, env.Close, nil
}

// stageFlag falls back to the configured replay stage.
func stageFlag(cmd *cobra.Command) string {
	if cacheStage != "" {
		return cacheStage
	}
	if cfg := configFrom(cmd); cfg != nil && cfg.Replay.Stage != "" {
		return cfg.Replay.Stage
	}
	return model.StageStructuring
}

func parseVersion(s string) (int, error) {
	if s == "latest" {
		return cache.Latest, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, eris.Errorf("invalid version %q", s)
	}
	return v, nil
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheStage, "stage", "", "cache stage (default from replay.stage)")
	cacheCmd.AddCommand(cacheVersionsCmd, cacheGetCmd, cacheDeleteCmd)
	rootCmd.AddCommand(cacheCmd)
}
