package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/jordan-wright/email"

	"bulk-mailer/config"
	"bulk-mailer/models"
	"bulk-mailer/utils"
)

// codeServiceClosing is the reply a server sends right before dropping the connection.
const codeServiceClosing = 421

// Sender opens authenticated SMTP sessions for one server configuration.
type Sender struct {
	config    config.SMTPConfig
	logger    *slog.Logger
	tlsConfig *tls.Config
}

func NewSender(cfg config.SMTPConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = utils.NewNope()
	}
	return &Sender{
		config:    cfg,
		logger:    logger,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
}

// Session is one authenticated connection, reused for every message of a run.
// It must only be used from a single goroutine.
type Session struct {
	client       *smtp.Client
	conn         net.Conn
	envelopeFrom string
	fromHeader   string
	timeout      time.Duration
	logger       *slog.Logger
	closed       bool
}

// Dial connects, negotiates TLS according to the security mode and authenticates.
// Connection, TLS and authentication failures are *models.TransportError.
func (s *Sender) Dial(ctx context.Context) (*Session, error) {
	envelopeFrom, fromHeader, err := s.fromAddresses()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	dialer := &net.Dialer{Timeout: s.config.Timeout}

	var conn net.Conn
	if s.config.Security == config.SecuritySSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &models.TransportError{Op: "dial", Err: err}
	}
	if s.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return nil, &models.TransportError{Op: "greeting", Err: err}
	}

	fail := func(op string, err error) (*Session, error) {
		client.Close()
		return nil, &models.TransportError{Op: op, Err: err}
	}

	if s.config.Security == config.SecurityTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fail("starttls", errors.New("server does not advertise STARTTLS"))
		}
		if err := client.StartTLS(s.tlsConfig); err != nil {
			return fail("starttls", err)
		}
	}

	if s.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return fail("auth", errors.New("server does not advertise AUTH"))
		}
		if s.config.Security == config.SecurityPlain {
			s.logger.Warn("authenticating without TLS", slog.String("addr", addr))
		}
		if err := client.Auth(s.auth()); err != nil {
			return fail("auth", err)
		}
	}

	s.logger.Debug("smtp session opened",
		slog.String("addr", addr),
		slog.String("security", s.config.Security))

	return &Session{
		client:       client,
		conn:         conn,
		envelopeFrom: envelopeFrom,
		fromHeader:   fromHeader,
		timeout:      s.config.Timeout,
		logger:       s.logger,
	}, nil
}

// Verify checks that the server accepts a connection and the credentials.
func (s *Sender) Verify(ctx context.Context) error {
	session, err := s.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.client.Noop(); err != nil {
		return &models.TransportError{Op: "noop", Err: err}
	}
	return nil
}

func (s *Sender) fromAddresses() (envelope, header string, err error) {
	addr, err := mail.ParseAddress(s.config.From)
	if err != nil {
		return "", "", &models.ConfigError{Field: "smtp.from", Reason: err.Error()}
	}
	if s.config.FromName != "" {
		addr.Name = s.config.FromName
	}
	return addr.Address, addr.String(), nil
}

// Send delivers one message on the open session.
// A rejection by the server for this message is returned as *models.SendError and the session stays usable;
// anything that breaks the session is returned as *models.TransportError.
func (s *Session) Send(ctx context.Context, msg *models.PreparedMessage) error {
	if s.closed {
		return &models.TransportError{Op: "send", Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &models.TransportError{Op: "send", Err: err}
	}
	if strings.ContainsAny(msg.To, "\r\n") {
		return &models.SendError{Recipient: msg.To, Err: errors.New("address contains a line break")}
	}

	raw, err := s.buildMessage(msg)
	if err != nil {
		return &models.SendError{Recipient: msg.To, Err: fmt.Errorf("failed to build message: %w", err)}
	}

	// A zero deadline clears any previous one.
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return &models.TransportError{Op: "send", Err: err}
	}

	if err := s.client.Mail(s.envelopeFrom); err != nil {
		return s.fail(msg.To, "MAIL FROM", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		return s.fail(msg.To, "RCPT TO", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return s.fail(msg.To, "DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		return &models.TransportError{Op: "DATA", Err: err}
	}
	if err := w.Close(); err != nil {
		return s.fail(msg.To, "DATA", err)
	}
	return nil
}

// fail classifies err. Server replies other than 421 only reject the current message;
// the transaction is reset so the next message starts clean.
func (s *Session) fail(recipient, op string, err error) error {
	var reply *textproto.Error
	if !errors.As(err, &reply) || reply.Code == codeServiceClosing {
		return &models.TransportError{Op: op, Err: err}
	}

	if rerr := s.client.Reset(); rerr != nil {
		return &models.TransportError{Op: "RSET", Err: rerr}
	}
	s.logger.Debug("message rejected",
		slog.String("recipient", utils.MaskEmail(recipient)),
		slog.String("op", op),
		slog.Int("code", reply.Code))
	return &models.SendError{Recipient: recipient, Err: fmt.Errorf("%s: %w", op, err)}
}

func (s *Session) buildMessage(msg *models.PreparedMessage) ([]byte, error) {
	e := email.NewEmail()
	e.From = s.fromHeader
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	e.HTML = []byte(msg.HTML)
	e.Text = []byte(msg.Text)

	for _, att := range msg.Attachments {
		if _, err := e.Attach(bytes.NewReader(att.Content), att.Filename, att.ContentType); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", att.Filename, err)
		}
	}

	return e.Bytes()
}

// Close ends the session with QUIT. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		return fmt.Errorf("failed to quit smtp session: %w", err)
	}
	return nil
}
