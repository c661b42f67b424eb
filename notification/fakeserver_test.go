package notification

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
)

type received struct {
	From string
	To   []string
	Data string
}

// fakeServer speaks just enough SMTP for net/smtp: EHLO, STARTTLS, AUTH PLAIN, MAIL, RCPT, DATA, RSET, NOOP, QUIT.
type fakeServer struct {
	ln net.Listener

	addr        string      // listen address, 127.0.0.1:0 when empty
	startTLS    *tls.Config // advertise STARTTLS and upgrade with this config
	implicitTLS *tls.Config // wrap the listener in TLS

	rejectRcpt map[string]string // address -> reply line
	mailReply  string            // overrides the MAIL FROM reply when set
	authFail   bool
	dropAfter  int // close the connection instead of answering the Nth DATA

	mu       sync.Mutex
	messages []received
	authLine string
	commands []string
}

func newFakeServer(t *testing.T, opts ...func(*fakeServer)) *fakeServer {
	t.Helper()
	s := &fakeServer{addr: "127.0.0.1:0", rejectRcpt: map[string]string{}}
	for _, opt := range opts {
		opt(s)
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		t.Skipf("cannot listen on %s: %v", s.addr, err)
	}
	if s.implicitTLS != nil {
		ln = tls.NewListener(ln, s.implicitTLS)
	}
	s.ln = ln
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer func() { conn.Close() }()
	tc := textproto.NewConn(conn)
	upgraded := false
	_ = tc.PrintfLine("220 localhost ESMTP fake")

	var current received
	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			_ = tc.PrintfLine("500 empty command")
			continue
		}
		cmd := strings.ToUpper(fields[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch cmd {
		case "EHLO":
			_ = tc.PrintfLine("250-localhost greets you")
			if s.startTLS != nil && !upgraded {
				_ = tc.PrintfLine("250-STARTTLS")
			}
			_ = tc.PrintfLine("250-AUTH PLAIN")
			_ = tc.PrintfLine("250 8BITMIME")
		case "STARTTLS":
			if s.startTLS == nil || upgraded {
				_ = tc.PrintfLine("502 5.5.1 not supported")
				continue
			}
			_ = tc.PrintfLine("220 2.0.0 ready to start TLS")
			conn = tls.Server(conn, s.startTLS)
			tc = textproto.NewConn(conn)
			upgraded = true
		case "HELO":
			_ = tc.PrintfLine("250 localhost")
		case "AUTH":
			s.mu.Lock()
			s.authLine = line
			s.mu.Unlock()
			if s.authFail {
				_ = tc.PrintfLine("535 5.7.8 authentication credentials invalid")
			} else {
				_ = tc.PrintfLine("235 2.7.0 accepted")
			}
		case "MAIL":
			if s.mailReply != "" {
				_ = tc.PrintfLine("%s", s.mailReply)
				if strings.HasPrefix(s.mailReply, "421") {
					return
				}
				continue
			}
			current = received{From: between(line, "<", ">")}
			_ = tc.PrintfLine("250 2.1.0 ok")
		case "RCPT":
			addr := between(line, "<", ">")
			if reply, ok := s.rejectRcpt[addr]; ok {
				_ = tc.PrintfLine("%s", reply)
				continue
			}
			current.To = append(current.To, addr)
			_ = tc.PrintfLine("250 2.1.5 ok")
		case "DATA":
			_ = tc.PrintfLine("354 end with <CRLF>.<CRLF>")
			lines, err := tc.ReadDotLines()
			if err != nil {
				return
			}
			current.Data = strings.Join(lines, "\n")

			s.mu.Lock()
			drop := s.dropAfter > 0 && len(s.messages)+1 >= s.dropAfter
			if !drop {
				s.messages = append(s.messages, current)
			}
			s.mu.Unlock()
			if drop {
				return
			}
			current = received{}
			_ = tc.PrintfLine("250 2.0.0 queued")
		case "RSET":
			current = received{}
			_ = tc.PrintfLine("250 2.0.0 reset")
		case "NOOP":
			_ = tc.PrintfLine("250 2.0.0 ok")
		case "QUIT":
			_ = tc.PrintfLine("221 2.0.0 bye")
			return
		default:
			_ = tc.PrintfLine("502 5.5.2 command not recognized")
		}
	}
}

func (s *fakeServer) delivered() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.messages...)
}

func (s *fakeServer) sawCommand(cmd string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func between(s, open, close string) string {
	i := strings.Index(s, open)
	j := strings.LastIndex(s, close)
	if i < 0 || j <= i {
		return ""
	}
	return s[i+1 : j]
}

func (s *fakeServer) lastAuth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authLine
}

// testTLS returns a server config with httptest's self-signed localhost certificate
// and a client config that trusts it.
func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	server = &tls.Config{Certificates: ts.TLS.Certificates}
	client = &tls.Config{ServerName: "127.0.0.1", RootCAs: pool, MinVersion: tls.VersionTLS12}
	return server, client
}
