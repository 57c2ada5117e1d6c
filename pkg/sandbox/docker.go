package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/intellibrowse/gateway/pkg/gateway"
)

// DockerRunner launches each call in a fresh locked-down container. The
// IPC contract matches the pool's workers: hello line, then one request
// and one response, after which the container exits.
type DockerRunner struct {
	Image          string
	WorkerCmd      []string
	SeccompProfile string
	CallTimeout    time.Duration
	Logger         *slog.Logger
}

// Execute implements Runner.
func (d *DockerRunner) Execute(ctx context.Context, action string, params map[string]any) (map[string]any, *gateway.Error) {
	req := Request{ID: uuid.New().String(), Action: action, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, gateway.NewError(gateway.KindInvalidRequest, "unserializable params")
	}
	if len(line) > MaxPayload {
		return nil, gateway.NewError(gateway.KindPayloadTooLarge, "payload exceeds %d bytes", MaxPayload)
	}

	timeout := d.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--pids-limit", "64",
		"--memory", "256m",
	}
	if d.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+d.SeccompProfile)
	}
	args = append(args, d.Image)
	args = append(args, d.WorkerCmd...)

	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdin = bytes.NewReader(append(line, '\n'))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "container pipe failed")
	}
	if err := cmd.Start(); err != nil {
		return nil, gateway.NewError(gateway.KindSandboxUnavailable, "cannot start container")
	}

	reader := bufio.NewReaderSize(stdout, 64*1024)
	resp, readErr := d.readResponse(reader, req.ID)
	waitErr := cmd.Wait()

	if runCtx.Err() != nil {
		return nil, gateway.NewError(gateway.KindTimeout, "container call exceeded %s", timeout)
	}
	if readErr != nil {
		if readErr == ErrPayloadTooLarge {
			return nil, gateway.NewError(gateway.KindPayloadTooLarge, "payload exceeds %d bytes", MaxPayload)
		}
		return nil, gateway.NewError(gateway.KindWorkerError, "container worker failed")
	}
	if waitErr != nil && d.Logger != nil {
		d.Logger.Warn("container exited with error after responding", "error", waitErr)
	}

	if !resp.OK {
		e := gateway.NewError(gateway.KindExecutionError, "%s", resp.Message)
		if resp.Error != "" {
			e = e.WithDetail("worker_error", resp.Error)
		}
		return nil, e
	}
	return resp.Result, nil
}

// readResponse skips the hello line, then reads the single response.
func (d *DockerRunner) readResponse(r *bufio.Reader, wantID string) (*Response, error) {
	first, err := readLine(r)
	if err != nil {
		return nil, err
	}
	var hello Hello
	raw := first
	if err := json.Unmarshal(first, &hello); err == nil && hello.Hello {
		raw, err = readLine(r)
		if err != nil {
			return nil, err
		}
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("sandbox: parse container response: %w", err)
	}
	if resp.ID != wantID {
		return nil, fmt.Errorf("sandbox: container response id mismatch")
	}
	return &resp, nil
}
