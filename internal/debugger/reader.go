package debugger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"go.uber.org/zap"
)

// promptPattern matches the debugger's "ready for input" prompt, e.g.
// "0:000>". It is deliberately permissive about what precedes it on the
// line -- the debugger sometimes echoes a partial status string before the
// prompt digits.
var promptPattern = regexp.MustCompile(`\d+:\d+>`)

const (
	pollInterval          = 50 * time.Millisecond
	silenceWarnThreshold  = 5 * time.Second
)

// isPrompt reports whether line contains a debugger prompt anywhere in it.
func isPrompt(line string) bool {
	return promptPattern.MatchString(line)
}

// readUntilPrompt reads from stdout until a prompt is seen, ctx is
// cancelled, or the stream ends. On a prompt match it returns everything
// read before the prompt, trimmed of trailing newlines. On cancellation
// the partially read output is discarded (per the documented "cancelled"
// contract) and ctx.Err() is returned.
//
// stdout must be a pipe end that supports SetReadDeadline (true of the
// os.Pipe() ends used by Session.start); this lets the loop poll for new
// bytes without blocking indefinitely, mirroring the 50ms-poll protocol
// the debugger wire contract documents, while still reacting promptly to
// cancellation.
func readUntilPrompt(ctx context.Context, stdout *os.File, log *logger.Logger) (string, error) {
	var pending bytes.Buffer
	lastData := time.Now()
	warned := false
	chunk := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		_ = stdout.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := stdout.Read(chunk)
		if n > 0 {
			pending.Write(chunk[:n])
			lastData = time.Now()
			warned = false

			if loc := promptPattern.FindIndex(pending.Bytes()); loc != nil {
				output := pending.Bytes()[:loc[0]]
				return strings.TrimRight(string(output), "\r\n"), nil
			}
		}

		if err != nil {
			if isDeadlineExceeded(err) {
				if !warned && time.Since(lastData) >= silenceWarnThreshold {
					log.Warn("debugger stream silent", zap.Duration("elapsed", time.Since(lastData)))
					warned = true
				}
				continue
			}
			return "", err
		}
	}
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
