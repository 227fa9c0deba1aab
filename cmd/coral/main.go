package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/coralsh/coral/pkg/buildinfo"
)

var rootVerbose bool

var rootCmd = &cobra.Command{
	Use:   "coral",
	Short: "Coral: a sandboxed program execution environment",
	Long: fmt.Sprintf(`Coral version %s
Complete documentation is available at https://github.com/coralsh/coral`, buildinfo.VERSION),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

func initLogging() {
	w := os.Stderr

	level := slog.LevelInfo
	if rootVerbose {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339Nano,
			NoColor:    !isatty.IsTerminal(w.Fd()),
		}),
	))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
