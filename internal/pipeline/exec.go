package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// waitDelay bounds how long output is drained after a command is killed
const waitDelay = 5 * time.Second

// Exec runs command with sh -c in the workspace using the run environment.
// Output is logged line by line as it is produced.
func Exec(ctx context.Context, pc *Context, command string) error {
	return ExecArgs(ctx, pc, "sh", "-c", command)
}

// ExecArgs runs name with args without a shell
func ExecArgs(ctx context.Context, pc *Context, name string, args ...string) error {
	logger := zerolog.Ctx(ctx)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = pc.Workspace
	cmd.Env = pc.Environ()
	cmd.WaitDelay = waitDelay

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var g errgroup.Group
	g.Go(func() error { return streamLines(stdoutR, logger, "stdout") })
	g.Go(func() error { return streamLines(stderrR, logger, "stderr") })

	commandLine := strings.Join(append([]string{name}, args...), " ")
	logger.Debug().Str("command", commandLine).Msg("Running command")

	runErr := cmd.Run()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	return commandError(ctx, commandLine, runErr)
}

// Output runs name with args in the workspace and returns trimmed stdout
func Output(ctx context.Context, pc *Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = pc.Workspace
	cmd.Env = pc.Environ()
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		commandLine := strings.Join(append([]string{name}, args...), " ")
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", commandError(ctx, commandLine, err), msg)
		}
		return "", commandError(ctx, commandLine, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func streamLines(r io.Reader, logger *zerolog.Logger, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info().Str("stream", stream).Msg(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// keep draining so the command never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("failed to read %s: %w", stream, err)
	}
	return nil
}

func commandError(ctx context.Context, commandLine string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("command %q stopped: %w", commandLine, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command %q exited with status %d", commandLine, exitErr.ExitCode())
	}
	return fmt.Errorf("command %q failed: %w", commandLine, err)
}
