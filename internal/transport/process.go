package transport

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// waitDelay bounds how long reaping waits on output held open by
// descendants of an exited process.
const waitDelay = 2 * time.Second

// execProcess adapts an *exec.Cmd to Process. Output is routed through
// io.Pipes rather than cmd.StdoutPipe so that reaping the child never
// closes a pipe the session is still reading: the pipes reach EOF only
// after the command has exited and all of its output has been consumed.
type execProcess struct {
	stdin  io.WriteCloser
	stdout *io.PipeReader
	stderr *io.PipeReader

	done chan struct{}
	code int
	err  error
}

func startProcess(cmd *exec.Cmd) (*execProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, err
	}

	p := &execProcess{
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		outW.Close()
		errW.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			// Killed processes report -1.
			p.code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// The process itself exited; a descendant still held its
			// output open and was cut off.
			slog.Debug("agent output left open after exit", "pid", cmd.ProcessState.Pid(), "error", err)
			p.code = cmd.ProcessState.ExitCode()
		default:
			p.code = -1
			p.err = err
		}
	}()
	return p, nil
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}
