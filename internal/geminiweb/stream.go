package geminiweb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const streamPrologue = ")]}'"

// frameScanner decodes the generate response body incrementally. The body is
// a prologue line followed by alternating length-marker and payload lines;
// each payload is a JSON array of frames and each "wrb.fr" frame carries its
// real content as a nested JSON string. The length markers count characters
// of the following payload, not bytes, so the newline is the only reliable
// payload boundary; the scanner reads line by line and skips the markers.
// Next yields payloads as soon as their terminating newline arrives, without
// waiting for the rest of the body.
type frameScanner struct {
	r       *bufio.Reader
	offset  int64
	started bool
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next raw payload, or io.EOF once the body is exhausted.
// A non-blank line that is neither a length marker nor a JSON array means
// this reader and the upstream no longer agree on the format, reported as
// ProtocolDesyncError.
func (s *frameScanner) Next() (string, error) {
	for {
		line, err := s.r.ReadString('\n')
		s.offset += int64(len(line))
		if err != nil && !errors.Is(err, io.EOF) {
			return "", &NetworkError{Op: "read stream", Err: err}
		}
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
		case !s.started && trimmed == streamPrologue:
			s.started = true
		case isDecimal(trimmed):
			s.started = true
		default:
			s.started = true
			if trimmed[0] != '[' || !gjson.Valid(trimmed) {
				return "", &ProtocolDesyncError{Offset: s.offset, Detail: fmt.Sprintf("unrecognized line %q", truncate(trimmed, 40))}
			}
			return trimmed, nil
		}
	}
}

func isDecimal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// innerFrames extracts the nested JSON strings from every "wrb.fr" frame in
// a payload. Frames of any other kind are skipped.
func innerFrames(payload string) []string {
	parsed := gjson.Parse(payload)
	if !parsed.IsArray() {
		return nil
	}
	var out []string
	for _, frame := range parsed.Array() {
		if !frame.IsArray() {
			continue
		}
		parts := frame.Array()
		if len(parts) < 3 || parts[0].String() != "wrb.fr" {
			continue
		}
		if parts[2].Type != gjson.String || parts[2].String() == "" {
			continue
		}
		out = append(out, parts[2].String())
	}
	return out
}

// payloadErrorCode walks the positional error path of a payload. The second
// return is false when no upstream error is present.
func payloadErrorCode(payload string) (int, bool) {
	code := gjson.Get(payload, "0.5.2.0.1.0")
	if !code.Exists() || code.Type != gjson.Number {
		return 0, false
	}
	return int(code.Int()), true
}
