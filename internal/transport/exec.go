package transport

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/KockaAdmiralac/Lux/internal/env"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// EntryName is the executable looked up inside a service directory.
const EntryName = "main"

const defaultQueueSize = 64

// Exec runs every service as a child process in its own process group. The
// supervisor writes protocol lines to the child's stdin and reads them from its
// stdout. Stderr goes to the writer returned by Stderr, or is discarded.
type Exec struct {
	Env       *env.Env
	Stderr    func(name string) io.WriteCloser
	QueueSize int
	Logger    *slog.Logger
}

// Resolve returns the executable and working directory for path. A directory
// resolves to its EntryName file, anything else is executed directly.
func Resolve(path string) (exe, dir string, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", "", err
	}
	if fi.IsDir() {
		exe = filepath.Join(path, EntryName)
		if _, err := os.Stat(exe); err != nil {
			return "", "", err
		}
		return exe, path, nil
	}
	return path, filepath.Dir(path), nil
}

func (x *Exec) Spawn(name, path string, cb Callbacks) (Conn, error) {
	exe, dir, err := Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	log := x.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", name)

	// #nosec G204
	cmd := exec.Command(exe)
	cmd.Dir = dir
	e := x.Env
	if e == nil {
		e = env.New(nil)
	}
	cmd.Env = e.ForService(name, dir)
	configureSysProcAttr(cmd)

	var stderr io.WriteCloser
	if x.Stderr != nil {
		stderr = x.Stderr(name)
		cmd.Stderr = stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		if stderr != nil {
			_ = stderr.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	size := x.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	c := &execConn{
		cmd:   cmd,
		log:   log,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
	onMessage := cb.OnMessage
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	go c.writeLoop(stdin)
	go func() {
		tooLong := func(size int) {
			log.Warn("dropping oversized message", "bytes", size, "limit", protocol.MaxMessageSize)
			metrics.IncDropped(name, "oversized")
		}
		if err := protocol.ReadLines(stdout, onMessage, tooLong); err != nil {
			// the child cannot be understood anymore
			log.Warn("read failed, killing process", "error", err)
			_ = c.Kill()
			_, _ = io.Copy(io.Discard, stdout)
		}
		err := cmd.Wait()
		c.markDone()
		if stderr != nil {
			_ = stderr.Close()
		}
		if cb.OnExit != nil {
			cb.OnExit(err)
		}
	}()
	log.Debug("process started", "pid", cmd.Process.Pid, "exe", exe)
	return c, nil
}

type execConn struct {
	cmd   *exec.Cmd
	log   *slog.Logger
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *execConn) PID() int { return c.cmd.Process.Pid }

func (c *execConn) Send(m protocol.Message) error {
	b, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- b:
		return nil
	default:
		c.log.Warn("send queue full, dropping message", "action", m.Action)
		return ErrQueueFull
	}
}

func (c *execConn) Kill() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return killGroup(c.cmd)
}

func (c *execConn) markDone() { c.once.Do(func() { close(c.done) }) }

// writeLoop is the only writer of stdin, which keeps per-process FIFO order.
func (c *execConn) writeLoop(stdin io.WriteCloser) {
	defer func() { _ = stdin.Close() }()
	for {
		select {
		case b := <-c.queue:
			if _, err := stdin.Write(b); err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
