package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// process owns one child process and the master side of its pseudo-terminal.
type process struct {
	cmd *exec.Cmd
	pty *os.File

	// output carries chunks read from the pty; it is closed on EOF or read error.
	output  chan []byte
	readErr error // valid once output is closed

	// exited is closed once the child has been reaped.
	exited  chan struct{}
	waitErr error // valid once exited is closed

	writeMu   sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
}

// spawn starts the interpreter with the script as its only argument, attached
// to a new pseudo-terminal. Output buffering is disabled through the environment.
func spawn(opts Options, scriptPath string) (*process, error) {
	interpreter := opts.Interpreter
	cmd := exec.Command(interpreter, scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"TERM=xterm-256color",
	)

	// pty.Start puts the child in its own session, so its pid is also its
	// process group id.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", interpreter, err)
	}

	p := &process{
		cmd:     cmd,
		pty:     ptmx,
		output:  make(chan []byte),
		exited:  make(chan struct{}),
		closing: make(chan struct{}),
	}

	go p.readLoop(opts.ReadChunk)
	go p.waitLoop()

	return p, nil
}

// readLoop copies pty output into the output channel until EOF.
func (p *process) readLoop(size int) {
	defer close(p.output)

	buf := make([]byte, size)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.output <- data:
			case <-p.closing:
				return
			}
		}
		if err != nil {
			if !isEOF(err) {
				p.readErr = err
			}
			return
		}
	}
}

func (p *process) waitLoop() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// hasExited reports whether the child has been reaped.
func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// write sends text followed by a line terminator to the script's terminal.
func (p *process) write(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closing:
		return os.ErrClosed
	default:
	}
	_, err := io.WriteString(p.pty, text+"\n")
	return err
}

// terminate force-kills the child and its process group. It is safe to call
// any number of times, including after the child has exited.
func (p *process) terminate() {
	if p.hasExited() || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

// close releases the pty and stops the reader goroutine.
func (p *process) close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.pty.Close()
	})
}

// exitCode maps a Wait error to a script exit code. Scripts killed by a
// signal report 128 plus the signal number, as shells do.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// isEOF reports whether err marks the end of pty output. Linux returns EIO
// from the master once the child side has been closed.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
