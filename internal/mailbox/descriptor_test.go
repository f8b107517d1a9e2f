package mailbox

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseListLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		delim string
		flags []string
	}{
		{
			line:  `(\HasChildren) "/" "Inbox"`,
			name:  "Inbox",
			delim: "/",
			flags: []string{`\HasChildren`},
		},
		{
			line:  `(\HasNoChildren \Sent) "." "Sent Items"`,
			name:  "Sent Items",
			delim: ".",
			flags: []string{`\HasNoChildren`, `\Sent`},
		},
		{
			line:  `() NIL INBOX`,
			name:  "INBOX",
			delim: "",
			flags: []string{},
		},
		{
			line:  `(\HasNoChildren) "/" "Projects/Say \"hi\""`,
			name:  `Projects/Say "hi"`,
			delim: "/",
			flags: []string{`\HasNoChildren`},
		},
		{
			line:  "(\\Noselect) \"/\" \"[Gmail]\"\r\n",
			name:  "[Gmail]",
			delim: "/",
			flags: []string{`\Noselect`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			d, err := ParseListLine(tt.line)
			if err != nil {
				t.Fatalf("ParseListLine: %v", err)
			}
			if d.Name != tt.name {
				t.Errorf("name = %q, want %q", d.Name, tt.name)
			}
			if d.Delimiter != tt.delim {
				t.Errorf("delimiter = %q, want %q", d.Delimiter, tt.delim)
			}
			if len(d.Flags) != len(tt.flags) || (len(tt.flags) > 0 && !reflect.DeepEqual(d.Flags, tt.flags)) {
				t.Errorf("flags = %v, want %v", d.Flags, tt.flags)
			}
		})
	}
}

func TestParseListLineRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"garbage",
		`\HasChildren "/" "Inbox"`,
		`(\HasChildren) "/"`,
		`(\HasChildren) "/" ""`,
	} {
		_, err := ParseListLine(line)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("line %q: expected *ParseError, got %v", line, err)
		}
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	name := `Say "hi" \ bye`
	line := `() "/" ` + Quote(name)
	d, err := ParseListLine(line)
	if err != nil {
		t.Fatalf("ParseListLine: %v", err)
	}
	if d.Name != name {
		t.Fatalf("name = %q, want %q", d.Name, name)
	}
}

func TestResolvePaths(t *testing.T) {
	root := filepath.Join("srv", "mail")

	d := Descriptor{Name: "Work/Clients/Acme", Delimiter: "/"}.ResolvePaths(root)
	wantDir := filepath.Join(root, "Work", "Clients")
	if d.Dir != wantDir {
		t.Fatalf("dir = %q, want %q", d.Dir, wantDir)
	}
	if d.ArchivePath != filepath.Join(wantDir, "Acme.mbox") {
		t.Fatalf("archive path = %q", d.ArchivePath)
	}
	if d.StatePath != filepath.Join(wantDir, "Acme.config") {
		t.Fatalf("state path = %q", d.StatePath)
	}

	flat := Descriptor{Name: "INBOX"}.ResolvePaths(root)
	if flat.ArchivePath != filepath.Join(root, "INBOX.mbox") {
		t.Fatalf("flat archive path = %q", flat.ArchivePath)
	}

	dotted := Descriptor{Name: "INBOX.a/b", Delimiter: "."}.ResolvePaths(root)
	if dotted.ArchivePath != filepath.Join(root, "INBOX", "a_b.mbox") {
		t.Fatalf("separator in component not replaced: %q", dotted.ArchivePath)
	}

	hostile := Descriptor{Name: "../../etc", Delimiter: "/"}.ResolvePaths(root)
	if hostile.ArchivePath != filepath.Join(root, "_", "_", "etc.mbox") {
		t.Fatalf("traversal component not neutralized: %q", hostile.ArchivePath)
	}
}

func TestFilterExclusion(t *testing.T) {
	f := NewFilter([]string{`\Trash`, `\Sent`})

	tests := []struct {
		flags    []string
		excluded bool
	}{
		{flags: []string{`\HasNoChildren`}, excluded: false},
		{flags: []string{`\HasNoChildren`, `\Trash`}, excluded: true},
		{flags: []string{`\sent`}, excluded: true},
		{flags: []string{`\Noselect`}, excluded: true},
		{flags: []string{`\Junk`}, excluded: false},
	}
	for _, tt := range tests {
		reason := f.Exclusion(Descriptor{Name: "x", Flags: tt.flags})
		if (reason != "") != tt.excluded {
			t.Errorf("flags %v: reason %q, excluded want %v", tt.flags, reason, tt.excluded)
		}
	}
}
