package statemachine

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/goliatone/go-statemachine/monitor"
)

// capturePanic must be deferred directly. It turns a panic into an ErrPanic
// stored in errp and logs the cleaned stack.
func capturePanic(where string, m monitor.Monitor, fields map[string]any, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	stack := make([]byte, 8096)
	stack = stack[:runtime.Stack(stack, false)]
	stack = cleanStackTrace(stack)

	meta := map[string]any{"where": where, "panic": fmt.Sprint(r)}
	for k, v := range fields {
		meta[k] = v
	}
	monitor.WithFields(monitor.Normalize(m), meta).Error(
		fmt.Sprintf("recovered from panic in %s: %v\nStack Trace:\n%s", where, r, stack),
	)
	if errp != nil {
		*errp = cloneError(ErrPanic, fmt.Sprintf("recovered from panic in %s: %v", where, r), meta)
	}
}

// cleanStackTrace drops the frames above the panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// the panic() line is followed by its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
