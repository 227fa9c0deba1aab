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

var runCmd = &cobra.Command{
	Use:   "run <config>",
	Short: "Boot a machine and run its init command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		if len(cfg.Init) == 0 {
			return fmt.Errorf("config has no init command")
		}

		k, err := coral.Boot(cfg)
		if err != nil {
			return err
		}

		code, err := k.Dispatch(cmd.Context(), kernel.ExecRequest{
			Argv:        cfg.Init,
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			StdinIsTTY:  isatty.IsTerminal(os.Stdin.Fd()),
			StdoutIsTTY: isatty.IsTerminal(os.Stdout.Fd()),
			KeepAlive:   true,
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
	rootCmd.AddCommand(runCmd)
}
