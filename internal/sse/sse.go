// Package sse provides shared Server-Sent Events line reading utilities.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1 << 20 // 1MB per SSE line; large tool results fit

// NewScanner returns a bufio.Scanner configured for reading SSE lines.
// Each call to Scan() returns a single line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine parses a single SSE line into its event type and data payload.
// It returns ok=false for empty lines, comments, and malformed lines.
//
// SSE format:
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
//	": comment"       -> ok=false
//	""                -> ok=false
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" {
		return "", "", false
	}
	if line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
