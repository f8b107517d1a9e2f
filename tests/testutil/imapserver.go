package testutil

import (
	"bytes"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// Credentials of the single user served by NewIMAPServer.
const (
	IMAPUsername = "archiver@example.org"
	IMAPPassword = "correct horse"
)

// IMAPServer is an in-memory IMAP server on a loopback listener.
type IMAPServer struct {
	Addr string
	User *imapmemserver.User
}

// NewIMAPServer starts an in-memory IMAP server with one user owning an
// empty INBOX plus the given folders. The server stops when the test ends.
func NewIMAPServer(t *testing.T, folders ...string) *IMAPServer {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(IMAPUsername, IMAPPassword)
	for _, name := range append([]string{"INBOX"}, folders...) {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("creating folder %s: %v", name, err)
		}
	}
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go func() {
		if err := server.Serve(ln); err != nil {
			t.Errorf("serving IMAP: %v", err)
		}
	}()
	t.Cleanup(func() {
		server.Close()
	})

	return &IMAPServer{Addr: ln.Addr().String(), User: user}
}

// Dial opens an unauthenticated plain-text client to the server.
func (s *IMAPServer) Dial(t *testing.T) *imapclient.Client {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatalf("dialing IMAP: %v", err)
	}
	client := imapclient.New(conn, nil)
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

// Append stores raw in folder directly in the server's backing store and
// returns the assigned UID.
func (s *IMAPServer) Append(t *testing.T, folder string, raw []byte) imap.UID {
	t.Helper()

	data, err := s.User.Append(folder, bytes.NewReader(raw), &imap.AppendOptions{})
	if err != nil {
		t.Fatalf("append to %s: %v", folder, err)
	}
	return data.UID
}
