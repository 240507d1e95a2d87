package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/creack/pty"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/api"
)

// runShell executes the command with /bin/sh -c, capturing output up to
// the configured cap. A nonzero exit is a terminal failure that still
// carries the captured output.
func (e *Executor) runShell(ctx context.Context, op api.ShellOp) (*api.ToolResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", op.Command)
	if op.Cwd != "" {
		cmd.Dir = op.Cwd
	}

	limit := e.limits().ShellOutputMaxBytes
	if op.PTY {
		return e.runShellPTY(ctx, cmd, limit)
	}

	stdout := newCapWriter(limit)
	stderr := newCapWriter(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	result := &api.ToolResult{Shell: &api.ShellResult{
		ExitCode:  exitCode(cmd),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}}
	return result, classifyShellErr(ctx, runErr)
}

// runShellPTY runs the command under a pseudo-terminal. Output is a
// single interleaved stream on the pty master; the read side errors
// once the child exits, which ends the capture.
func (e *Executor) runShellPTY(ctx context.Context, cmd *exec.Cmd, limit int64) (*api.ToolResult, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, errx.Wrap(api.ErrTerminalFailure, err)
	}
	defer ptmx.Close()

	out := newCapWriter(limit)
	buf := make([]byte, 4096)
	for {
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			_, _ = out.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	result := &api.ToolResult{Shell: &api.ShellResult{
		ExitCode:  exitCode(cmd),
		Stdout:    out.Bytes(),
		Truncated: out.Truncated(),
	}}
	return result, classifyShellErr(ctx, waitErr)
}

func classifyShellErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return errx.With(ErrShellExit, " status %d", exitErr.ExitCode())
	}
	return errx.Wrap(api.ErrTerminalFailure, err)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// capWriter keeps at most limit bytes and reports the rest as written so
// the child process never sees a short write.
type capWriter struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCapWriter(limit int64) *capWriter {
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		w.buf.Write(p)
		return len(p), nil
	}
	room := w.limit - int64(w.buf.Len())
	if room <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) Bytes() []byte {
	if w.buf.Len() == 0 {
		return nil
	}
	return w.buf.Bytes()
}

func (w *capWriter) Truncated() bool { return w.truncated }
