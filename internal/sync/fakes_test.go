package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
)

type fakeMessage struct {
	uid source.MessageRef
	raw []byte
}

type fakeFolder struct {
	state    model.SyncState
	messages []fakeMessage
}

// fakeSession serves folders from memory and records every command.
type fakeSession struct {
	lines     []string
	folders   map[string]*fakeFolder
	selected  string
	calls     []string
	failFetch map[source.MessageRef]bool
	failSel   map[string]bool
	nextUID   source.MessageRef
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		folders:   make(map[string]*fakeFolder),
		failFetch: make(map[source.MessageRef]bool),
		failSel:   make(map[string]bool),
		nextUID:   1,
	}
}

// put replaces the folder's content with one message per raw body and
// bumps its UIDNEXT.
func (s *fakeSession) put(name string, raws ...[]byte) *fakeFolder {
	f := &fakeFolder{}
	for _, raw := range raws {
		f.messages = append(f.messages, fakeMessage{uid: s.nextUID, raw: raw})
		s.nextUID++
	}
	f.state = model.SyncState{
		UIDValidity: "1",
		UIDNext:     fmt.Sprint(s.nextUID),
		Exists:      fmt.Sprint(len(f.messages)),
	}
	s.folders[name] = f
	return f
}

func (s *fakeSession) ListFolders(context.Context) ([]string, error) {
	s.calls = append(s.calls, "LIST")
	return s.lines, nil
}

func (s *fakeSession) Select(_ context.Context, name string) (model.SyncState, error) {
	s.calls = append(s.calls, "SELECT "+name)
	if s.failSel[name] {
		return model.SyncState{}, &source.ProtocolError{Command: "SELECT", Err: errors.New("NO no such mailbox")}
	}
	f, ok := s.folders[name]
	if !ok {
		return model.SyncState{}, &source.ProtocolError{Command: "SELECT", Err: errors.New("NO unknown")}
	}
	s.selected = name
	return f.state, nil
}

func (s *fakeSession) Search(context.Context) ([]source.MessageRef, error) {
	s.calls = append(s.calls, "SEARCH")
	var refs []source.MessageRef
	for _, m := range s.folders[s.selected].messages {
		refs = append(refs, m.uid)
	}
	return refs, nil
}

func (s *fakeSession) FetchHeaderFields(
	_ context.Context, refs []source.MessageRef, fields []string,
) ([]source.HeaderBlock, error) {
	s.calls = append(s.calls, fmt.Sprintf("HEADERS %d", len(refs)))
	var blocks []source.HeaderBlock
	for _, ref := range refs {
		raw, ok := s.lookup(ref)
		if !ok {
			continue
		}
		blocks = append(blocks, source.HeaderBlock{Ref: ref, Raw: headerSubset(raw, fields)})
	}
	return blocks, nil
}

func (s *fakeSession) FetchMessage(_ context.Context, ref source.MessageRef) ([]byte, error) {
	s.calls = append(s.calls, fmt.Sprintf("FETCH %d", ref))
	if s.failFetch[ref] {
		return nil, &source.ProtocolError{Command: "UID FETCH", Err: errors.New("NO server unavailable")}
	}
	raw, ok := s.lookup(ref)
	if !ok {
		return nil, &source.ProtocolError{Command: "UID FETCH", Err: errors.New("no such message")}
	}
	return append([]byte(nil), raw...), nil
}

func (s *fakeSession) CloseFolder(context.Context) error {
	s.calls = append(s.calls, "CLOSE")
	s.selected = ""
	return nil
}

func (s *fakeSession) lookup(ref source.MessageRef) ([]byte, bool) {
	for _, m := range s.folders[s.selected].messages {
		if m.uid == ref {
			return m.raw, true
		}
	}
	return nil, false
}

func (s *fakeSession) count(prefix string) int {
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// headerSubset mimics BODY[HEADER.FIELDS (...)]: the matching header
// lines followed by a blank line. Messages here have one line per field.
func headerSubset(raw []byte, fields []string) []byte {
	head, _, _ := strings.Cut(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n\n")
	var out strings.Builder
	for _, line := range strings.Split(head, "\n") {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		for _, f := range fields {
			if strings.EqualFold(name, f) {
				out.WriteString(line + "\r\n")
			}
		}
	}
	out.WriteString("\r\n")
	return []byte(out.String())
}

// memArchive is an in-memory Archive that survives reopening.
type memArchive struct {
	records map[int][]byte
	next    int
	opens   int
	closes  int
	flushes int
	failAdd bool
}

func newMemArchive(raws ...[]byte) *memArchive {
	a := &memArchive{records: make(map[int][]byte)}
	for _, raw := range raws {
		a.records[a.next] = raw
		a.next++
	}
	return a
}

func (a *memArchive) opener() ArchiveOpener {
	return func(string) (Archive, error) {
		a.opens++
		return a, nil
	}
}

func (a *memArchive) Add(raw []byte) (int, error) {
	if a.failAdd {
		return 0, errors.New("disk full")
	}
	key := a.next
	a.next++
	a.records[key] = raw
	return key, nil
}

func (a *memArchive) Remove(key int) error {
	if _, ok := a.records[key]; !ok {
		return fmt.Errorf("key %d: no such record", key)
	}
	delete(a.records, key)
	return nil
}

func (a *memArchive) Each(fn func(int, []byte) error) error {
	keys := make([]int, 0, len(a.records))
	for k := range a.records {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if err := fn(k, a.records[k]); err != nil {
			return err
		}
	}
	return nil
}

func (a *memArchive) Flush() error {
	a.flushes++
	return nil
}

func (a *memArchive) Close() error {
	a.closes++
	return nil
}

// identities returns the sorted identities held by the archive, one entry
// per record.
func (a *memArchive) identities() []string {
	var out []string
	a.Each(func(_ int, raw []byte) error {
		id, _ := IdentityFromHeader(raw)
		out = append(out, id)
		return nil
	})
	sort.Strings(out)
	return out
}

// memTokens is an in-memory TokenStore keyed by folder name.
type memTokens struct {
	states map[string]model.SyncState
	saves  int
	runs   []model.RunSummary
}

func newMemTokens() *memTokens {
	return &memTokens{states: make(map[string]model.SyncState)}
}

func (t *memTokens) Load(_ context.Context, d mailbox.Descriptor) (*model.SyncState, error) {
	s, ok := t.states[d.Name]
	if !ok || !s.Complete() {
		return nil, nil
	}
	return &s, nil
}

func (t *memTokens) Save(_ context.Context, d mailbox.Descriptor, s model.SyncState) error {
	t.saves++
	t.states[d.Name] = s
	return nil
}

func (t *memTokens) Forget(_ context.Context, d mailbox.Descriptor) error {
	delete(t.states, d.Name)
	return nil
}

func (t *memTokens) RecordRun(_ context.Context, run model.RunSummary) error {
	t.runs = append(t.runs, run)
	return nil
}

func msg(id string) []byte {
	return []byte("Message-Id: " + id + "\r\nSubject: about " + id + "\r\n\r\nbody of " + id + "\r\n")
}

func msgNoID(subject string) []byte {
	return []byte("Subject: " + subject + "\r\n\r\nno identity\r\n")
}
