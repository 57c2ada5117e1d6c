package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// worker is the pool's view of one sandboxed executor. procWorker is the
// production implementation; tests substitute in-memory fakes.
type worker interface {
	call(ctx context.Context, req Request) (*Response, error)
	supports(action string) bool
	kill()
}

// procWorker wraps a long-lived subprocess.
type procWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	mu      sync.Mutex // serializes call: one request in flight per worker
	actions map[string]bool
	version string
	dead    bool
}

// spawnWorker starts the subprocess and performs the hello handshake.
func spawnWorker(command string, args []string, spawnTimeout time.Duration) (*procWorker, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start worker: %w", err)
	}

	w := &procWorker{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		actions: make(map[string]bool),
	}

	hello, err := w.readHello(spawnTimeout)
	if err != nil {
		w.kill()
		return nil, err
	}
	constraint, err := semver.NewConstraint(ProtocolConstraint)
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("sandbox: constraint: %w", err)
	}
	version, err := semver.NewVersion(hello.ProtocolVersion)
	if err != nil {
		w.kill()
		return nil, fmt.Errorf("sandbox: worker protocol version %q: %w", hello.ProtocolVersion, err)
	}
	if !constraint.Check(version) {
		w.kill()
		return nil, fmt.Errorf("sandbox: worker protocol %s outside %s", hello.ProtocolVersion, ProtocolConstraint)
	}

	w.version = hello.ProtocolVersion
	for _, a := range hello.Actions {
		w.actions[a] = true
	}
	w.actions[HealthAction] = true
	return w, nil
}

func (w *procWorker) readHello(timeout time.Duration) (*Hello, error) {
	type result struct {
		hello *Hello
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := readLine(w.stdout)
		if err != nil {
			ch <- result{err: fmt.Errorf("sandbox: read hello: %w", err)}
			return
		}
		var h Hello
		if err := json.Unmarshal(line, &h); err != nil {
			ch <- result{err: fmt.Errorf("sandbox: parse hello: %w", err)}
			return
		}
		if !h.Hello {
			ch <- result{err: fmt.Errorf("sandbox: first line is not a hello")}
			return
		}
		ch <- result{hello: &h}
	}()

	select {
	case r := <-ch:
		return r.hello, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("sandbox: hello timed out after %s", timeout)
	}
}

// call sends one request and waits for its response or the context
// deadline. On deadline the caller must discard the worker: the stream may
// still carry the stale response.
func (w *procWorker) call(ctx context.Context, req Request) (*Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal request: %w", err)
	}
	if len(line) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, ErrWorkerClosed
	}

	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("sandbox: write request: %w", err)
	}

	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := readLine(w.stdout)
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			ch <- result{err: fmt.Errorf("sandbox: parse response: %w", err)}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.ID != req.ID {
			return nil, fmt.Errorf("sandbox: response id %q does not match request %q", r.resp.ID, req.ID)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *procWorker) supports(action string) bool {
	return w.actions[action]
}

// kill terminates the subprocess. Safe to call repeatedly.
func (w *procWorker) kill() {
	w.dead = true
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	go func() { _ = w.cmd.Wait() }()
}

// readLine reads one newline-terminated line, enforcing the payload cap.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxPayload {
			return nil, ErrPayloadTooLarge
		}
		if !isPrefix {
			return buf, nil
		}
	}
}
