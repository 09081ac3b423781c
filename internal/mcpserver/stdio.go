package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxFrameSize bounds one newline-delimited JSON-RPC frame on stdio.
const maxFrameSize = 10 * 1024 * 1024

// ServeStdio runs a single long-lived session over newline-delimited
// JSON-RPC frames, bound 1:1 to the process's input and output streams.
// Returns nil on EOF or context cancellation.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	sess := NewSession()
	defer sess.Close()

	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(errorResponse(nil, CodeParseError, "parse error")); encErr != nil {
				return fmt.Errorf("stdio write: %w", encErr)
			}
			continue
		}

		resp := s.Handle(ctx, sess, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("stdio write: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read: %w", err)
	}

	s.log.Info("stdio session ended", slog.String("session_id", sess.ID()))
	return nil
}
