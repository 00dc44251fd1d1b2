package providers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// errStreamDone signals the "[DONE]" sentinel; parseSSE swallows it and
// returns nil.
var errStreamDone = errors.New("sse stream done")

// parseSSE reads a server-sent-event stream and invokes fn once per data
// frame with the preceding event name (empty when the frame carried
// none). The "[DONE]" sentinel terminates the stream cleanly. fn errors
// abort the read; ctx is checked between frames.
func parseSSE(ctx context.Context, r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var event string
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			if err := fn(event, data); err != nil {
				if errors.Is(err, errStreamDone) {
					return nil
				}
				return err
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}
