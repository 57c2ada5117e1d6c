package supervisor

import (
	"strings"

	"github.com/intellibrowse/gateway/pkg/gateway"
)

// riskPayloadThreshold is the serialized-args size beyond which a call is
// bumped one risk level.
const riskPayloadThreshold = 64 * 1024

// ScoreRisk assigns a heuristic risk level when no manifest declares one.
// The function is pure: identical inputs always score identically.
func ScoreRisk(call gateway.ToolCall, payloadSize int) gateway.RiskLevel {
	risk := baseRisk(call.Tool)

	if hasSuspiciousArgs(call.Args) {
		risk = risk.Bump(1)
	}
	if payloadSize > riskPayloadThreshold {
		risk = risk.Bump(1)
	}
	return risk
}

// baseRisk maps tool families to a floor level. Unknown tools are assumed
// read-only until a manifest says otherwise.
func baseRisk(tool string) gateway.RiskLevel {
	switch {
	case tool == "shell", tool == "system", tool == "exec":
		return gateway.RiskHigh
	case tool == "file", tool == "fs":
		return gateway.RiskMed
	case tool == "network", tool == "http", tool == "browser":
		return gateway.RiskMed
	default:
		return gateway.RiskLow
	}
}

// hasSuspiciousArgs reports whether any string argument carries a pattern
// associated with escapes, privilege escalation, or internal-network reach.
func hasSuspiciousArgs(args map[string]any) bool {
	found := false
	walkStrings(args, 0, func(s string) {
		if found {
			return
		}
		if suspicious(s) {
			found = true
		}
	})
	return found
}

func suspicious(s string) bool {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(s, ".."):
		return true
	case strings.HasPrefix(s, "/etc/"), strings.HasPrefix(s, "/usr/"),
		strings.HasPrefix(s, "/boot/"), strings.HasPrefix(s, "/proc/"),
		strings.HasPrefix(s, "/sys/"), strings.HasPrefix(s, "/root/"):
		return true
	case strings.Contains(lower, "sudo "):
		return true
	case strings.Contains(lower, "rm -rf"):
		return true
	case strings.Contains(lower, "eval("), strings.Contains(lower, "eval "):
		return true
	case (strings.Contains(lower, "curl ") || strings.Contains(lower, "wget ")) && strings.Contains(s, "|"):
		return true
	}
	return privateTarget(lower)
}

// privateTarget flags URLs and hosts pointing into private address space.
func privateTarget(lower string) bool {
	switch {
	case strings.Contains(lower, "169.254."),
		strings.Contains(lower, "://10."), strings.Contains(lower, "//192.168."),
		strings.Contains(lower, "://192.168."), strings.Contains(lower, "://127."),
		strings.Contains(lower, "localhost"):
		return true
	case strings.Contains(lower, ".internal"), strings.Contains(lower, ".local/"),
		strings.HasSuffix(lower, ".local"):
		return true
	}
	// 172.16.0.0/12
	if i := strings.Index(lower, "://172."); i >= 0 {
		rest := lower[i+7:]
		if j := strings.Index(rest, "."); j > 0 {
			switch rest[:j] {
			case "16", "17", "18", "19", "20", "21", "22", "23",
				"24", "25", "26", "27", "28", "29", "30", "31":
				return true
			}
		}
	}
	return false
}

const walkMaxDepth = 32

// walkStrings visits every string value nested in v. Map keys are not
// visited; only values carry agent-controlled content of interest.
func walkStrings(v any, depth int, visit func(string)) {
	if depth > walkMaxDepth {
		return
	}
	switch t := v.(type) {
	case string:
		visit(t)
	case map[string]any:
		for _, elem := range t {
			walkStrings(elem, depth+1, visit)
		}
	case []any:
		for _, elem := range t {
			walkStrings(elem, depth+1, visit)
		}
	}
}
