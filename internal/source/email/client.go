package email

import (
	"context"
	"fmt"
	"net"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailbackup/internal/source"
)

// IMAPClient holds the connection settings for an IMAP server.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password string, tls bool,
) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
	}
}

// Addr returns the host:port the client dials.
func (c *IMAPClient) Addr() string {
	return net.JoinHostPort(c.host, c.port)
}

// Connect establishes a connection to the IMAP server, authenticates, and
// returns a Session over it. The caller must call Logout on the session.
func (c *IMAPClient) Connect(
	_ context.Context,
) (*Session, error) {
	addr := c.Addr()

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := Login(client, c.username, c.password); err != nil {
		return nil, err
	}

	return NewSession(client), nil
}

// Login authenticates an already connected client. On failure the
// connection is closed and an *source.AuthError is returned.
func Login(client *imapclient.Client, username, password string) error {
	if err := client.Login(username, password).Wait(); err != nil {
		_ = client.Close()
		return &source.AuthError{
			Username: username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}
	return nil
}

// ValidateConnection verifies the credentials by connecting,
// authenticating, and examining INBOX. Returns the username on success.
func (c *IMAPClient) ValidateConnection(ctx context.Context) (string, error) {
	sess, err := c.Connect(ctx)
	if err != nil {
		return "", fmt.Errorf("validating email connection: %w", err)
	}
	defer func() { _ = sess.Logout() }()

	if _, err := sess.Select(ctx, "INBOX"); err != nil {
		return "", fmt.Errorf("examining INBOX: %w", err)
	}
	if err := sess.CloseFolder(ctx); err != nil {
		return "", err
	}

	return c.username, nil
}
