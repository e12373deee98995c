package mcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageSize bounds the body of a Content-Length framed message.
const maxMessageSize = 16 << 20

// Framing selects how JSON-RPC messages are delimited on a byte stream.
type Framing int

const (
	// FramingLine writes one JSON document per line (the MCP stdio transport).
	FramingLine Framing = iota
	// FramingContentLength prefixes each document with a Content-Length header.
	FramingContentLength
)

// readMessage reads the next JSON-RPC document and reports the framing the
// peer used for it. Blank lines between messages are skipped.
func readMessage(reader *bufio.Reader) ([]byte, Framing, error) {
	length := -1
	inHeaders := false
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if err != nil && !(errors.Is(err, io.EOF) && trimmed != "" && !inHeaders) {
			return nil, FramingLine, err
		}
		if trimmed == "" {
			if !inHeaders {
				continue
			}
			break
		}
		name, value, ok := strings.Cut(trimmed, ":")
		if !inHeaders && (!ok || !isHeaderName(name)) {
			// Not a header: a line-delimited message, possibly malformed.
			return []byte(trimmed), FramingLine, nil
		}
		if !ok {
			return nil, FramingLine, fmt.Errorf("malformed header %q", trimmed)
		}
		inHeaders = true
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, FramingLine, fmt.Errorf("invalid content-length %q", value)
			}
			if n > maxMessageSize {
				return nil, FramingLine, fmt.Errorf("content-length %d exceeds %d bytes", n, maxMessageSize)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, FramingLine, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, FramingLine, err
	}
	return buf, FramingContentLength, nil
}

func isHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// writeMessage writes data using framing f.
func writeMessage(w io.Writer, f Framing, data []byte) error {
	if f == FramingContentLength {
		if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		_, err := w.Write(data)
		return err
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
