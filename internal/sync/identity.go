// Package sync reconciles remote IMAP folders into local archives.
package sync

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// IdentityHeader names the header a message's identity is taken from.
const IdentityHeader = "Message-Id"

// Canonicalize reduces a Message-Id header value to the identity compared
// between remote and local messages: the first <...> token when present,
// otherwise the trimmed value.
func Canonicalize(value string) string {
	v := strings.TrimSpace(value)
	start := strings.IndexByte(v, '<')
	if start < 0 {
		return v
	}
	end := strings.IndexByte(v[start:], '>')
	if end < 0 {
		return v
	}
	return v[start : start+end+1]
}

// IdentityFromHeader reads the header section at the start of raw and
// returns the canonical identity. A header without Message-Id yields "".
// raw may be a complete message or just a header block. When the header
// holds lines textproto rejects, the Message-Id field is still picked out
// of the remaining lines; an error is returned only if none is found.
func IdentityFromHeader(raw []byte) (string, error) {
	br := bufio.NewReader(bytes.NewReader(terminateHeader(raw)))
	header, err := textproto.ReadHeader(br)
	if err == nil {
		return Canonicalize(header.Get(IdentityHeader)), nil
	}
	if value, ok := scanField(raw, IdentityHeader); ok {
		return Canonicalize(value), nil
	}
	return "", fmt.Errorf("reading header: %w", err)
}

// scanField looks up a header field line by line, skipping lines that are
// not "Name: value" and joining folded continuation lines.
func scanField(raw []byte, name string) (string, bool) {
	var (
		value   strings.Builder
		found   bool
		current bool
	)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if current {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		if found {
			break
		}
		key, v, ok := strings.Cut(line, ":")
		current = ok && strings.EqualFold(strings.TrimSpace(key), name)
		if current {
			found = true
			value.WriteString(strings.TrimSpace(v))
		}
	}
	return value.String(), found
}

// terminateHeader makes sure a bare header block ends with the blank line
// textproto expects.
func terminateHeader(raw []byte) []byte {
	if bytes.Contains(raw, []byte("\n\n")) || bytes.Contains(raw, []byte("\n\r\n")) {
		return raw
	}
	out := make([]byte, 0, len(raw)+4)
	out = append(out, raw...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\r', '\n')
	}
	return append(out, '\r', '\n')
}
