package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/replay"
)

var replayVersion int

var replayCmd = &cobra.Command{
	Use:   "replay <document-id>",
	Short: "Re-send one cached version downstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), configFrom(cmd), config.ModeReplay, envParts{Queue: true, Cache: true})
		if err != nil {
			return err
		}
		defer env.Close()

		svc, err := newReplay(env)
		if err != nil {
			return err
		}
		res := svc.Replay(cmd.Context(), replay.Request{DocumentID: model.DocumentID(args[0]), Version: replayVersion})
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.Success {
			return eris.Errorf("replay %s: %s", args[0], res.Reason)
		}
		return nil
	},
}

var replayBatchFile string

var replayBatchCmd = &cobra.Command{
	Use:   "replay-batch [document-id...]",
	Short: "Re-send the latest cached version of many documents",
	Long: "Document ids come from the arguments, or one per line from --file (\"-\" for stdin), " +
		"so the output of `failures export` can be piped in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := batchRequests(cmd.InOrStdin(), replayBatchFile, args)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			return eris.New("replay-batch: no document ids given")
		}

		env, err := initEnv(cmd.Context(), configFrom(cmd), config.ModeReplay, envParts{Queue: true, Cache: true})
		if err != nil {
			return err
		}
		defer env.Close()

		svc, err := newReplay(env)
		if err != nil {
			return err
		}
		out := svc.Batch(cmd.Context(), reqs)
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		if out.Failed > 0 {
			return eris.Errorf("replay-batch: %d of %d failed", out.Failed, len(reqs))
		}
		return nil
	},
}

// batchRequests collects ids from args and, when file is set, from the file
// or stdin. Blank lines and lines starting with # are ignored.
func batchRequests(stdin io.Reader, file string, args []string) ([]replay.Request, error) {
	ids := append([]string(nil), args...)
	if file != "" {
		r := stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return nil, eris.Wrapf(err, "open %s", file)
			}
			defer f.Close() //nolint:errcheck
			r = f
		}
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ids = append(ids, line)
		}
		if err := sc.Err(); err != nil {
			return nil, eris.Wrap(err, "read ids")
		}
	}

	reqs := make([]replay.Request, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, replay.Request{DocumentID: model.DocumentID(id)})
	}
	return reqs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "write output")
	}
	return nil
}

func init() {
	replayCmd.Flags().IntVar(&replayVersion, "version", 0, "cached version to send (0 = latest)")
	replayBatchCmd.Flags().StringVar(&replayBatchFile, "file", "", "read document ids from this file, one per line (- for stdin)")
	rootCmd.AddCommand(replayCmd, replayBatchCmd)
}

