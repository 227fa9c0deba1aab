package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/coralsh/coral/pkg/config"
	"github.com/coralsh/coral/pkg/coral"
	"github.com/coralsh/coral/pkg/kernel"
)

var execCmd = &cobra.Command{
	Use:   "exec <config> -- <command> [args...]",
	Short: "Boot a machine and run a single command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		k, err := coral.Boot(cfg)
		if err != nil {
			return err
		}

		code, err := k.Dispatch(cmd.Context(), kernel.ExecRequest{
			Argv:        args[1:],
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			StdinIsTTY:  isatty.IsTerminal(os.Stdin.Fd()),
			StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd()),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		}

		if code != 0 {
			os.Exit(code)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
