package notification

import (
	"errors"
	"net/smtp"

	"bulk-mailer/config"
)

// plainAuth is AUTH PLAIN without the TLS check of smtp.PlainAuth. It is only used when the
// configuration selects the plain security mode, where the server is trusted to see the password.
type plainAuth struct {
	username string
	password string
}

func (a *plainAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.username + "\x00" + a.password), nil
}

func (a *plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}

func (s *Sender) auth() smtp.Auth {
	if s.config.Security == config.SecurityPlain {
		return &plainAuth{username: s.config.Username, password: s.config.Password}
	}
	return smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
}
