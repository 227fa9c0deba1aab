package kernel

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/anmitsu/go-shlex"

	"github.com/coralsh/coral/pkg/kernel/shared"
)

// runScript feeds each line of a marker script back through dispatch.
// Blank lines and "#" comments are skipped; a failing line aborts the
// script with its exit code.
func runScript(proc shared.Process, target string, argv []string) error {
	handle, err := proc.Open(target)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}

	scanner := bufio.NewScanner(handle)

	lineNumber := 0

	for scanner.Scan() {
		lineNumber++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "coral:") {
			continue
		}

		tokens, err := shlex.Split(line, true)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNumber, err)
		}

		if len(tokens) == 0 {
			continue
		}

		code, err := proc.Spawn("", tokens, nil, nil, nil, nil)
		if code != 0 {
			if err != nil {
				fmt.Fprintf(proc.Stderr(), "%s\n", err)
			}

			return &shared.ExitError{Code: code}
		}
	}

	return scanner.Err()
}
