package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coralsh/coral/pkg/config"
	"github.com/coralsh/coral/pkg/coral"
	"github.com/coralsh/coral/pkg/kernel"
)

// cookedReader adapts a raw-mode terminal to the line-oriented shell:
// carriage returns become newlines and input is echoed back, since raw
// mode disables the terminal's own echo. Ctrl-D at the start of a line
// ends the session.
type cookedReader struct {
	r    io.Reader
	echo io.Writer

	atLineStart bool
}

func (c *cookedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)

	for i := 0; i < n; i++ {
		if p[i] == 0x04 && c.atLineStart {
			return i, io.EOF
		}

		if p[i] == '\r' {
			p[i] = '\n'
		}

		c.atLineStart = p[i] == '\n'

		if c.echo != nil {
			if p[i] == '\n' {
				fmt.Fprint(c.echo, "\r\n")
			} else {
				c.echo.Write(p[i : i+1])
			}
		}
	}

	return n, err
}

var shellCmd = &cobra.Command{
	Use:   "shell <config>",
	Short: "Boot a machine and open an interactive shell",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		k, err := coral.Boot(cfg)
		if err != nil {
			return err
		}

		var stdin io.Reader = os.Stdin
		isTTY := term.IsTerminal(int(os.Stdin.Fd()))

		restore := func() {}

		if isTTY {
			oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to enter raw mode: %w", err)
			}

			restore = func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }
			defer restore()

			stdin = &cookedReader{r: os.Stdin, echo: os.Stdout, atLineStart: true}
		}

		code, err := k.Dispatch(cmd.Context(), kernel.ExecRequest{
			Argv:        []string{"sh"},
			Stdin:       stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			StdinIsTTY:  isTTY,
			StdoutIsTTY: term.IsTerminal(int(os.Stdout.Fd())),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "coral: %s\n", err)
		}

		if code != 0 {
			restore()
			os.Exit(code)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}
