package email

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
)

// Session implements source.Session over a go-imap v2 client.
type Session struct {
	client   *imapclient.Client
	selected string
}

var _ source.Session = (*Session)(nil)

// NewSession wraps an authenticated client.
func NewSession(client *imapclient.Client) *Session {
	return &Session{client: client}
}

// ListFolders lists every folder and renders each LIST response back into
// its `(<flags>) <delim> <name>` line form.
func (s *Session) ListFolders(_ context.Context) ([]string, error) {
	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &source.ProtocolError{Command: "LIST", Err: err}
	}

	lines := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		lines = append(lines, listLine(mbox))
	}
	return lines, nil
}

// listLine formats a LIST response as the server sent it on the wire.
func listLine(data *imap.ListData) string {
	attrs := make([]string, 0, len(data.Attrs))
	for _, attr := range data.Attrs {
		attrs = append(attrs, string(attr))
	}

	delim := "NIL"
	if data.Delim != 0 {
		delim = mailbox.Quote(string(data.Delim))
	}

	return fmt.Sprintf(
		"(%s) %s %s",
		strings.Join(attrs, " "), delim, mailbox.Quote(data.Mailbox),
	)
}

// Select opens the folder read-only (EXAMINE) and returns its version
// tokens.
func (s *Session) Select(
	_ context.Context, name string,
) (model.SyncState, error) {
	data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return model.SyncState{}, &source.ProtocolError{
			Command: fmt.Sprintf("SELECT %q", name),
			Err:     err,
		}
	}
	s.selected = name

	return model.SyncState{
		UIDValidity: strconv.FormatUint(uint64(data.UIDValidity), 10),
		UIDNext:     strconv.FormatUint(uint64(data.UIDNext), 10),
		Exists:      strconv.FormatUint(uint64(data.NumMessages), 10),
	}, nil
}

// Search returns the UIDs of all messages in the selected folder.
func (s *Session) Search(_ context.Context) ([]source.MessageRef, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, &source.ProtocolError{Command: "UID SEARCH ALL", Err: err}
	}

	uids := data.AllUIDs()
	refs := make([]source.MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, source.MessageRef(uid))
	}
	return refs, nil
}

// FetchHeaderFields issues one UID FETCH covering all refs and returns the
// requested header subset per message. Messages whose response lacks a
// UID or the header section are skipped.
func (s *Session) FetchHeaderFields(
	_ context.Context,
	refs []source.MessageRef,
	fields []string,
) ([]source.HeaderBlock, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: fields,
		Peek:         true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	fetchCmd := s.client.Fetch(uidSet(refs), fetchOpts)
	defer fetchCmd.Close()

	blocks := make([]source.HeaderBlock, 0, len(refs))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil || buf.UID == 0 {
			continue
		}

		raw := buf.FindBodySection(section)
		if raw == nil {
			continue
		}

		blocks = append(blocks, source.HeaderBlock{
			Ref: source.MessageRef(buf.UID),
			Raw: raw,
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return blocks, &source.ProtocolError{
			Command: "UID FETCH (BODY.PEEK[HEADER.FIELDS])",
			Err:     err,
		}
	}

	return blocks, nil
}

// FetchMessage retrieves the full content of one message.
func (s *Session) FetchMessage(
	_ context.Context, ref source.MessageRef,
) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	command := fmt.Sprintf("UID FETCH %d (BODY.PEEK[])", ref)

	fetchCmd := s.client.Fetch(uidSet([]source.MessageRef{ref}), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, &source.ProtocolError{Command: command, Err: err}
		}
		return nil, &source.ProtocolError{
			Command: command,
			Err:     errors.New("message not found"),
		}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &source.ProtocolError{Command: command, Err: err}
	}

	raw := buf.FindBodySection(section)

	if err := fetchCmd.Close(); err != nil {
		return nil, &source.ProtocolError{Command: command, Err: err}
	}
	if raw == nil {
		return nil, &source.ProtocolError{
			Command: command,
			Err:     errors.New("response carried no message body"),
		}
	}

	return raw, nil
}

// CloseFolder sends CLOSE. The folder was opened read-only, so nothing is
// expunged.
func (s *Session) CloseFolder(_ context.Context) error {
	if s.selected == "" {
		return nil
	}
	name := s.selected
	s.selected = ""

	if err := s.client.UnselectAndExpunge().Wait(); err != nil {
		return &source.ProtocolError{
			Command: fmt.Sprintf("CLOSE %q", name),
			Err:     err,
		}
	}
	return nil
}

// Logout ends the session and closes the connection.
func (s *Session) Logout() error {
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

func uidSet(refs []source.MessageRef) imap.UIDSet {
	uids := make([]imap.UID, 0, len(refs))
	for _, ref := range refs {
		uids = append(uids, imap.UID(ref))
	}
	return imap.UIDSetNum(uids...)
}
