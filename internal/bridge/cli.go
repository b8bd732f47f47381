package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Output caps.
const (
	maxStreamBytes   = 10 << 20 // per stdout/stderr buffer
	maxResponseBytes = 1 << 20  // post-parse response
)

// truncationMarker is appended when the parsed response hits its cap.
const truncationMarker = "\n[response truncated]"

// ErrCliTimeout reports a child that outlived taskTimeoutMs.
var ErrCliTimeout = errors.New("cli timed out")

// killGracePeriod is how long a SIGTERM'd child gets before SIGKILL.
const killGracePeriod = 5 * time.Second

// BuildArgv returns the provider-specific command line. The prompt always
// arrives on stdin; claude is asked for its structured event stream,
// codex prints plain text.
func BuildArgv(provider, model string) []string {
	switch provider {
	case ProviderClaude:
		argv := []string{"claude", "-p", "--output-format", "stream-json", "--verbose"}
		if model != "" {
			argv = append(argv, "--model", model)
		}
		return argv
	case ProviderCodex:
		argv := []string{"codex", "exec"}
		if model != "" {
			argv = append(argv, "--model", model)
		}
		return argv
	}
	return nil
}

// cappedBuffer accepts writes forever but retains at most max bytes, so a
// pathological child cannot balloon the bridge.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remain := c.max - c.buf.Len()
	if remain <= 0 {
		if n > 0 {
			c.truncated = true
		}
		return n, nil
	}
	if len(p) > remain {
		p = p[:remain]
		c.truncated = true
	}
	c.buf.Write(p)
	return n, nil
}

// RunCLI spawns the provider CLI in dir with the prompt on stdin and
// waits up to timeout. The child gets SIGTERM on timeout and SIGKILL
// after the grace period. No shell is involved at any point.
func RunCLI(dir string, argv []string, prompt string, timeout time.Duration) (stdout, stderr []byte, err error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("empty cli argv")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	outBuf := &cappedBuffer{max: maxStreamBytes}
	errBuf := &cappedBuffer{max: maxStreamBytes}
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	runErr := cmd.Run()
	stdout = outBuf.buf.Bytes()
	stderr = errBuf.buf.Bytes()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, fmt.Errorf("%w after %s", ErrCliTimeout, timeout)
	}
	if runErr != nil {
		return stdout, stderr, fmt.Errorf("cli %s: %w", argv[0], runErr)
	}
	return stdout, stderr, nil
}

// streamEvent is the subset of claude's line-delimited event stream the
// bridge extracts text from.
type streamEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
}

// ExtractResponse turns raw stdout into the response text. The
// structured provider's event stream is parsed line by line; the plain
// provider's output is taken as-is. Either way the result is capped.
func ExtractResponse(provider string, stdout []byte) string {
	if provider == ProviderClaude {
		return capResponse(parseClaudeStream(stdout))
	}
	return capResponse(strings.TrimSpace(string(stdout)))
}

// parseClaudeStream concatenates assistant text events; a final result
// event, when present, supersedes the accumulation. Unparseable lines
// are skipped.
func parseClaudeStream(stdout []byte) string {
	var parts []string
	var result string
	for _, line := range bytes.Split(stdout, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, c := range ev.Message.Content {
				if c.Type == "text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
		case "result":
			if ev.Result != "" {
				result = ev.Result
			}
		}
	}
	if result != "" {
		return strings.TrimSpace(result)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func capResponse(s string) string {
	if len(s) <= maxResponseBytes {
		return s
	}
	return truncateBytes(s, maxResponseBytes) + truncationMarker
}
