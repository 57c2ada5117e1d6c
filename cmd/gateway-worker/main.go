// Command gateway-worker is the reference sandbox worker. It speaks the
// NDJSON stdio protocol: a hello line on startup, then one response line
// per request line. It implements a small set of harmless actions and is
// what the pool spawns in development and in tests.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/intellibrowse/gateway/pkg/sandbox"
)

var actions = []string{sandbox.HealthAction, "noop.ping", "echo.say", "time.now", "sleep.ms"}

func main() {
	out := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(out)

	hello := sandbox.Hello{Hello: true, ProtocolVersion: "1.0", Actions: actions}
	if err := enc.Encode(hello); err != nil {
		os.Exit(1)
	}
	if err := out.Flush(); err != nil {
		os.Exit(1)
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req sandbox.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		resp := handle(req)
		if err := enc.Encode(resp); err != nil {
			os.Exit(1)
		}
		if err := out.Flush(); err != nil {
			os.Exit(1)
		}
	}
}

func handle(req sandbox.Request) sandbox.Response {
	resp := sandbox.Response{ID: req.ID}
	switch req.Action {
	case sandbox.HealthAction:
		resp.OK = true
		resp.Result = map[string]any{"ok": true}
	case "noop.ping":
		resp.OK = true
		resp.Result = map[string]any{"pong": true}
	case "echo.say":
		text, ok := req.Params["text"].(string)
		if !ok {
			resp.Error = "action_failed"
			resp.Message = "text must be a string"
			return resp
		}
		resp.OK = true
		resp.Result = map[string]any{"echo": text}
	case "time.now":
		resp.OK = true
		resp.Result = map[string]any{"now": time.Now().UTC().Format(time.RFC3339Nano)}
	case "sleep.ms":
		ms, ok := req.Params["ms"].(float64)
		if !ok || ms < 0 || ms > 30_000 {
			resp.Error = "action_failed"
			resp.Message = "ms must be between 0 and 30000"
			return resp
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		resp.OK = true
		resp.Result = map[string]any{"slept_ms": ms}
	default:
		resp.Error = "unknown_action"
		resp.Message = fmt.Sprintf("action %q is not implemented", req.Action)
	}
	return resp
}
