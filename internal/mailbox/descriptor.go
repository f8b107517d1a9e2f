// Package mailbox turns LIST response lines into folder descriptors and
// decides where each folder lives in the local archive tree.
package mailbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ParseError is returned for a LIST line that does not have the
// `(<flags>) <delimiter> <name>` shape.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized folder listing %q", e.Line)
}

// Descriptor describes one remote folder and its local locations.
type Descriptor struct {
	// Name is the folder name as the server knows it.
	Name string

	// Delimiter is the hierarchy delimiter; empty when the server sent NIL.
	Delimiter string

	// Flags are the LIST attributes in server order (e.g. \HasChildren).
	Flags []string

	// Dir, ArchivePath and StatePath are set by ResolvePaths.
	Dir         string
	ArchivePath string
	StatePath   string
}

// listLinePattern matches `(<flags>) <delim> <name>`. The delimiter is a
// quoted string, NIL, or a bare atom.
var listLinePattern = regexp.MustCompile(
	`^\(([^()]*)\) ("(?:[^"\\]|\\.)*"|NIL|\S+) (.+)$`,
)

// ParseListLine parses a single LIST response line, e.g.
// `(\HasChildren) "/" "Inbox"`.
func ParseListLine(line string) (Descriptor, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	m := listLinePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Descriptor{}, &ParseError{Line: line}
	}

	name := unquote(strings.TrimSpace(m[3]))
	if name == "" {
		return Descriptor{}, &ParseError{Line: line}
	}

	delim := m[2]
	if strings.EqualFold(delim, "NIL") {
		delim = ""
	} else {
		delim = unquote(delim)
	}

	return Descriptor{
		Name:      name,
		Delimiter: delim,
		Flags:     strings.Fields(m[1]),
	}, nil
}

// unquote strips surrounding double quotes and resolves backslash escapes
// inside them. Unquoted input is returned unchanged.
func unquote(s string) string {
	if len(s) < 2 || !strings.HasPrefix(s, `"`) || !strings.HasSuffix(s, `"`) {
		return s
	}
	inner := s[1 : len(s)-1]
	if !strings.Contains(inner, `\`) {
		return inner
	}

	var b strings.Builder
	b.Grow(len(inner))
	escaped := false
	for _, r := range inner {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// HasFlag reports whether the folder carries flag. IMAP attributes are
// case-insensitive.
func (d Descriptor) HasFlag(flag string) bool {
	for _, f := range d.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Selectable reports whether the folder can be selected at all.
func (d Descriptor) Selectable() bool {
	return !d.HasFlag(`\Noselect`) && !d.HasFlag(`\NonExistent`)
}

// Components splits the folder name on its delimiter.
func (d Descriptor) Components() []string {
	if d.Delimiter == "" {
		return []string{d.Name}
	}
	return strings.Split(d.Name, d.Delimiter)
}

// ResolvePaths derives the local locations under root: every component but
// the last becomes a directory, the last names `<leaf>.mbox` and
// `<leaf>.config`.
func (d Descriptor) ResolvePaths(root string) Descriptor {
	parts := d.Components()
	for i, p := range parts {
		parts[i] = safeComponent(p)
	}

	leaf := parts[len(parts)-1]
	d.Dir = filepath.Join(append([]string{root}, parts[:len(parts)-1]...)...)
	d.ArchivePath = filepath.Join(d.Dir, leaf+".mbox")
	d.StatePath = filepath.Join(d.Dir, leaf+".config")
	return d
}

func safeComponent(p string) string {
	p = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, p)
	switch strings.TrimSpace(p) {
	case "", ".", "..":
		return "_"
	}
	return p
}

// Filter decides which folders are archived.
type Filter struct {
	excluded []string
}

// NewFilter returns a filter rejecting folders carrying any of flags.
func NewFilter(flags []string) Filter {
	return Filter{excluded: append([]string(nil), flags...)}
}

// Exclusion returns a non-empty reason when the folder must be skipped.
func (f Filter) Exclusion(d Descriptor) string {
	if !d.Selectable() {
		return "not selectable"
	}
	for _, flag := range f.excluded {
		if d.HasFlag(flag) {
			return "flagged " + flag
		}
	}
	return ""
}
