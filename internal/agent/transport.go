package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxkit/syncd/internal/account"
)

// Inbox is the only folder the sync core watches.
const Inbox = "INBOX"

// existsBuffer bounds pending EXISTS notifications per session. The agent
// reads counts, not deltas, so dropping intermediate values loses nothing.
const existsBuffer = 8

// Dialer opens an authenticated IMAP session for one mailbox.
type Dialer interface {
	Dial(ctx context.Context, email, accessToken string) (Session, error)
}

// Session is one live IMAP connection. It is owned by exactly one agent;
// no other goroutine may touch it.
type Session interface {
	// SelectInbox selects the primary inbox and returns its message count.
	SelectInbox(ctx context.Context) (uint32, error)
	// SearchSince returns the UIDs of messages received on or after since,
	// in mailbox order.
	SearchSince(ctx context.Context, since time.Time) ([]uint64, error)
	// FetchUID retrieves one message by UID, including its full source.
	FetchUID(ctx context.Context, uid uint64) (*account.RawMessage, error)
	// FetchSeq retrieves one message by sequence number.
	FetchSeq(ctx context.Context, seq uint32) (*account.RawMessage, error)
	// Idle enters IDLE. The returned handle reports unsolicited termination
	// on Done; Stop ends the IDLE cleanly.
	Idle() (IdleHandle, error)
	// Exists yields mailbox message counts announced by the server while
	// the connection is alive.
	Exists() <-chan uint32
	// Logout ends the session gracefully, bounded by ctx.
	Logout(ctx context.Context) error
	// Close tears down the connection.
	Close() error
}

// IdleHandle is one in-progress IDLE command.
type IdleHandle interface {
	// Done fires once when the IDLE ends, with the server's error if the
	// termination was unsolicited.
	Done() <-chan error
	// Stop sends DONE, ending the IDLE.
	Stop() error
}

// deadlineConn sets read/write deadlines before each operation so a dead
// peer cannot block the client forever. The read timeout must exceed the
// IDLE refresh interval, since a quiet IDLE receives nothing for its whole
// duration.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// IMAPDialer connects to the provider over IMAPS (port 993) and
// authenticates with XOAUTH2.
type IMAPDialer struct {
	// Addr is a fixed server address. When empty the address is derived
	// from the mailbox domain as "imap.<domain>:993".
	Addr string
	// ConnectTimeout bounds dial plus TLS handshake plus greeting.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each read. Must be longer than the IDLE refresh
	// interval or quiet IDLEs will be cut short.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write.
	WriteTimeout time.Duration
	// TLSConfig overrides the default TLS configuration when set.
	TLSConfig *tls.Config
}

// NewIMAPDialer returns a dialer with the given connect budget and
// deadlines sized for a 28-minute IDLE.
func NewIMAPDialer(connectTimeout time.Duration) *IMAPDialer {
	return &IMAPDialer{
		ConnectTimeout: connectTimeout,
		ReadTimeout:    30 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

func (d *IMAPDialer) addr(email string) (addr, host string, err error) {
	if d.Addr != "" {
		h, _, splitErr := net.SplitHostPort(d.Addr)
		if splitErr != nil {
			return "", "", fmt.Errorf("invalid server address %q: %w", d.Addr, splitErr)
		}
		return d.Addr, h, nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("cannot derive server for address %q", email)
	}
	host = "imap." + email[at+1:]
	return host + ":993", host, nil
}

// Dial connects, waits for the greeting, and authenticates. The returned
// session is ready for SelectInbox.
func (d *IMAPDialer) Dial(ctx context.Context, email, accessToken string) (Session, error) {
	addr, host, err := d.addr(email)
	if err != nil {
		return nil, err
	}

	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsCfg := d.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: host}
	}
	tlsConn := tls.Client(tcpConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	sess := &imapSession{exists: make(chan uint32, existsBuffer)}
	wrapped := &deadlineConn{
		Conn:         tlsConn,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
	}
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case sess.exists <- *data.NumMessages:
					default:
					}
				}
			},
		},
	}
	sess.client = imapclient.New(wrapped, opts)

	if err := sess.client.WaitGreeting(); err != nil {
		sess.client.Close()
		return nil, fmt.Errorf("greeting from %s: %w", addr, err)
	}
	if err := sess.client.Authenticate(newXOAuth2Client(email, accessToken)); err != nil {
		sess.client.Close()
		return nil, fmt.Errorf("authenticate %s: %w", email, err)
	}

	return sess, nil
}

type imapSession struct {
	client *imapclient.Client
	exists chan uint32
}

// await runs fn in a goroutine so the caller can bail out on ctx
// cancellation; go-imap command Waits are not context-aware.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (s *imapSession) SelectInbox(ctx context.Context) (uint32, error) {
	data, err := await(ctx, s.client.Select(Inbox, nil).Wait)
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", Inbox, err)
	}
	return data.NumMessages, nil
}

func (s *imapSession) SearchSince(ctx context.Context, since time.Time) ([]uint64, error) {
	cmd := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil)
	data, err := await(ctx, cmd.Wait)
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	var uids []uint64
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint64(uid))
	}
	return uids, nil
}

func (s *imapSession) FetchUID(ctx context.Context, uid uint64) (*account.RawMessage, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	return s.fetchOne(ctx, uidSet)
}

func (s *imapSession) FetchSeq(ctx context.Context, seq uint32) (*account.RawMessage, error) {
	seqSet := imap.SeqSet{}
	seqSet.AddNum(seq)
	return s.fetchOne(ctx, seqSet)
}

// fetchOne streams a single message's UID, envelope, internal date, and
// full source.
func (s *imapSession) fetchOne(ctx context.Context, set imap.NumSet) (*account.RawMessage, error) {
	options := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	cmd := s.client.Fetch(set, options)

	raw, err := await(ctx, func() (*account.RawMessage, error) {
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return nil, errors.New("message not found")
		}

		raw := &account.RawMessage{}
		var internalDate time.Time
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				raw.UID = uint64(data.UID)
			case imapclient.FetchItemDataEnvelope:
				applyEnvelope(raw, data.Envelope)
			case imapclient.FetchItemDataInternalDate:
				internalDate = data.Time
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					b, err := io.ReadAll(data.Literal)
					if err != nil {
						return nil, fmt.Errorf("read message source: %w", err)
					}
					raw.SourceBytes = b
				}
			}
		}
		if raw.Date.IsZero() {
			raw.Date = internalDate
		}
		return raw, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			cmd.Close()
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return raw, nil
}

func applyEnvelope(raw *account.RawMessage, env *imap.Envelope) {
	if env == nil {
		return
	}
	raw.Subject = env.Subject
	raw.Date = env.Date
	if len(env.From) > 0 {
		raw.From = env.From[0].Addr()
	}
	for _, to := range env.To {
		raw.To = append(raw.To, to.Addr())
	}
}

func (s *imapSession) Idle() (IdleHandle, error) {
	cmd, err := s.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("enter idle: %w", err)
	}
	h := &idleHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
	}()
	return h, nil
}

type idleHandle struct {
	cmd  *imapclient.IdleCommand
	done chan error
}

func (h *idleHandle) Done() <-chan error {
	return h.done
}

func (h *idleHandle) Stop() error {
	return h.cmd.Close()
}

func (s *imapSession) Exists() <-chan uint32 {
	return s.exists
}

func (s *imapSession) Logout(ctx context.Context) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Logout().Wait()
	})
	return err
}

func (s *imapSession) Close() error {
	return s.client.Close()
}
