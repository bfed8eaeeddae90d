// Package executor runs operator-supplied shell commands: health checks,
// notify hooks and address reassignment scripts.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const Shell = "/bin/sh"

// maxOutput bounds the output kept for logging.
const maxOutput = 4096

// waitDelay bounds how long a killed command may hold its output pipes open
// through orphaned children.
const waitDelay = 500 * time.Millisecond

// Execute runs script through the shell and waits for it, honoring ctx's
// deadline. env entries ("KEY=value") are added to the process environment and
// args become the positional parameters $1, $2, ... . The returned string is the
// trimmed combined output, also on error.
func Execute(ctx context.Context, script string, env []string, args ...string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("empty command")
	}

	argv := append([]string{"-c", script, "floatkeeper"}, args...)
	cmd := exec.CommandContext(ctx, Shell, argv...)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if len(output) > maxOutput {
		output = output[:maxOutput]
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return output, fmt.Errorf("command %q: %w", script, ctxErr)
	}
	if err != nil {
		return output, fmt.Errorf("command %q: %w", script, err)
	}

	return output, nil
}
