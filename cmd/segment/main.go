// segment 命令行: 加载 SAM 权重, 对图片按提示点/框分割
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "segment",
		Short:         "Segment anything inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug logs")

	rootCmd.AddCommand(newPredictCmd(), newRandomDemoCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("segment failed", "error", err)
		os.Exit(1)
	}
}
