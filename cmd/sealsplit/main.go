// sealsplit is the offline chunk-splitting tool. It rewrites one complete
// chunk file as two complete chunk files around an interior signature
// transaction, leaving the source untouched unless --remove-source is set.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/splitter"
	"github.com/sealbase/sealbase/internal/txn"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	outputDir    string
	removeSource bool
	verbose      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sealsplit <chunk-file> <split-seqno>",
	Short: "Split a complete ledger chunk at an interior signature",
	Long: `sealsplit rewrites one complete chunk file as two complete,
independently valid chunk files. The split seqno must be the sequence number
of a signature transaction strictly inside the chunk, so both halves still
end on a signature.

The source file is never modified; pass --remove-source to delete it after a
successful split (the concatenation of the two outputs is byte-identical to
the source, so nothing is lost).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.NewNop()
		if verbose {
			logger, _ = zap.NewDevelopment()
		}
		defer logger.Sync() //nolint:errcheck

		chunkPath := args[0]
		splitSeqno, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse split seqno %q: %w", args[1], err)
		}

		if outputDir == "" {
			outputDir = viper.GetString("output_dir")
		}
		if outputDir == "" {
			outputDir = filepath.Dir(chunkPath)
		}

		left, right, err := splitter.Split(chunkPath, splitSeqno, outputDir, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", left, right)

		if removeSource {
			if err := os.Remove(chunkPath); err != nil {
				return fmt.Errorf("remove source chunk: %w", err)
			}
		}
		return nil
	},
}

// signaturesCmd lists the signature seqnos of a chunk, the valid split
// points being all but the last.
var signaturesCmd = &cobra.Command{
	Use:   "signatures <chunk-file>",
	Short: "List the signature transaction seqnos in a chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := filepath.Base(args[0])
		if c, ok := chunkstore.ParseChunkName(name); !ok || c.Recovery {
			return fmt.Errorf("%s is not a splittable chunk file", name)
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		dec := txn.NewDecoder(f)
		for {
			t, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if t.IsSignature() {
				fmt.Fprintln(cmd.OutOrStdout(), t.Seqno)
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sealsplit version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	viper.SetEnvPrefix("sealsplit")
	viper.AutomaticEnv()

	rootCmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for the split outputs (default: the source chunk's directory)")
	rootCmd.Flags().BoolVar(&removeSource, "remove-source", false, "delete the source chunk after a successful split")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(signaturesCmd)
	rootCmd.AddCommand(versionCmd)
}
