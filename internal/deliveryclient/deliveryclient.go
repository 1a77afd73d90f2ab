/*
Mailstack - Composable SMTP/IMAP mail server.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package deliveryclient implements the outbound SMTP delivery client
// (C4): one delivery attempt against a resolved remote MTA, driving the
// line-oriented session state machine by hand. Grounded in the teacher
// pack's gaswelder-ring2 (server/smtp/tpclient.go's Expect/WriteLine
// reader-writer pair, server/smtp/smtp-send.go's dot-stuffing loop), since
// the teacher proper delegates outbound delivery to net/smtp, which would
// hide the exact state transitions this client must expose.
package deliveryclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/resolver"
)

// Client drives single delivery attempts against MX hosts resolved for a
// destination domain.
type Client struct {
	// Hostname is the client's own EHLO identity.
	Hostname string

	Resolver resolver.Resolver

	// Port is the remote SMTP port, default 25.
	Port int

	// ConnectTimeout bounds the TCP connect, default 30s.
	ConnectTimeout time.Duration

	Log log.Logger

	// Metrics is optional; a nil Metrics disables observation entirely.
	Metrics *metrics.Registry
}

func (c *Client) port() int {
	if c.Port != 0 {
		return c.Port
	}
	return 25
}

func (c *Client) connectTimeout() time.Duration {
	if c.ConnectTimeout != 0 {
		return c.ConnectTimeout
	}
	return 30 * time.Second
}

// Deliver resolves domain's MX records, connects to the chosen exchanger
// and drives one delivery attempt, reporting whether the remote accepted
// the message. useTLS enables opportunistic STARTTLS; recipients must be
// non-empty.
func (c *Client) Deliver(domain, from string, recipients []string, body []byte, useTLS bool) bool {
	if len(recipients) == 0 {
		c.Log.Error("delivery attempted with no recipients", fmt.Errorf("empty recipient list"), "domain", domain)
		return false
	}

	c.Metrics.IncRelayAttempt()

	mx := c.Resolver.ResolveMX(context.Background(), domain)
	if len(mx) == 0 {
		c.Log.Error("MX resolution returned no records", fmt.Errorf("undeliverable"), "domain", domain)
		return false
	}

	target := pickLowestPreference(mx)
	addr := net.JoinHostPort(target.Address.String(), strconv.Itoa(c.port()))

	conn, err := net.DialTimeout("tcp", addr, c.connectTimeout())
	if err != nil {
		c.Log.Error("connection failed", err, "addr", addr)
		return false
	}
	defer conn.Close()

	sess := &session{
		conn:   conn,
		r:      bufio.NewReader(conn),
		client: c,
	}
	ok := sess.run(domain, from, recipients, body, useTLS)
	if ok {
		c.Metrics.IncRelaySuccess()
	}
	return ok
}

// pickLowestPreference selects a record at the minimum preference,
// choosing uniformly at random among the records tied at that preference.
func pickLowestPreference(mx []resolver.Record) resolver.Record {
	min := mx[0].Preference
	for _, r := range mx {
		if r.Preference < min {
			min = r.Preference
		}
	}

	var tied []resolver.Record
	for _, r := range mx {
		if r.Preference == min {
			tied = append(tied, r)
		}
	}
	return tied[rand.Intn(len(tied))]
}

// session drives the per-connection state machine described for C4.
type session struct {
	conn   net.Conn
	r      *bufio.Reader
	client *Client

	caps map[string]bool
}

func (s *session) writeLine(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(s.conn, format+"\r\n", args...)
	return err
}

// readReply reads one reply line and returns its 3-digit code, whether
// more lines follow ("-" continuation), and the line itself.
func (s *session) readReply() (code int, continued bool, line string, err error) {
	line, err = s.r.ReadString('\n')
	if err != nil {
		return 0, false, "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return 0, false, line, fmt.Errorf("deliveryclient: malformed reply line %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, false, line, fmt.Errorf("deliveryclient: malformed reply code in %q: %w", line, err)
	}
	return code, line[3] == '-', line, nil
}

// expect reads replies until a non-continued line, requiring the final
// code to equal want.
func (s *session) expect(want int) error {
	for {
		code, continued, line, err := s.readReply()
		if err != nil {
			return err
		}
		if !continued {
			if code != want {
				return fmt.Errorf("deliveryclient: expected %d, got %q", want, line)
			}
			return nil
		}
	}
}

// ehlo sends EHLO and collects the advertised capability set, per the
// EHLO_1 state: lines are accumulated until the terminal non-dash reply.
func (s *session) ehlo() error {
	if err := s.writeLine("EHLO %s", s.client.Hostname); err != nil {
		return err
	}

	s.caps = make(map[string]bool)
	for {
		code, continued, line, err := s.readReply()
		if err != nil {
			return err
		}
		if code != 250 {
			return fmt.Errorf("deliveryclient: EHLO rejected: %q", line)
		}
		if len(line) > 4 {
			s.caps[strings.ToUpper(strings.Fields(line[4:])[0])] = true
		}
		if !continued {
			return nil
		}
	}
}

func (s *session) run(domain, from string, recipients []string, body []byte, useTLS bool) bool {
	// GREET
	if _, _, _, err := s.readReply(); err != nil {
		s.client.Log.Error("greeting failed", err, "domain", domain)
		return false
	}

	if err := s.ehlo(); err != nil {
		s.client.Log.Error("EHLO failed", err, "domain", domain)
		return false
	}

	if useTLS && s.caps["STARTTLS"] {
		if err := s.upgradeTLS(); err != nil {
			s.client.Log.Error("STARTTLS failed", err, "domain", domain)
			return false
		}
		if err := s.ehlo(); err != nil {
			s.client.Log.Error("post-STARTTLS EHLO failed", err, "domain", domain)
			return false
		}
	}

	if err := s.writeLine("MAIL FROM:<%s>", from); err != nil {
		return false
	}
	if err := s.expect(250); err != nil {
		s.client.Log.Error("MAIL FROM rejected", err, "domain", domain)
		return false
	}

	for _, rcpt := range recipients {
		if err := s.writeLine("RCPT TO:<%s>", rcpt); err != nil {
			return false
		}
		if err := s.expect(250); err != nil {
			s.client.Log.Error("RCPT TO rejected", err, "domain", domain, "recipient", rcpt)
			return false
		}
	}

	if err := s.writeLine("DATA"); err != nil {
		return false
	}
	if err := s.expect(354); err != nil {
		s.client.Log.Error("DATA rejected", err, "domain", domain)
		return false
	}

	if err := s.sendBody(body); err != nil {
		s.client.Log.Error("body transmission failed", err, "domain", domain)
		return false
	}
	if err := s.expect(250); err != nil {
		s.client.Log.Error("message rejected after DATA", err, "domain", domain)
		return false
	}

	if err := s.writeLine("QUIT"); err != nil {
		return false
	}
	if err := s.expect(221); err != nil {
		s.client.Log.Error("QUIT not acknowledged", err, "domain", domain)
		return false
	}

	return true
}

// upgradeTLS performs the client-side TLS handshake over the existing
// socket, accepting any server certificate (outbound delivery has no
// pinned trust anchor for arbitrary remote MTAs).
func (s *session) upgradeTLS() error {
	if err := s.writeLine("STARTTLS"); err != nil {
		return err
	}
	if err := s.expect(220); err != nil {
		return err
	}

	host, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	tlsConn := tls.Client(s.conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	s.conn = tlsConn
	s.r = bufio.NewReader(tlsConn)
	return nil
}

// sendBody writes body with LF normalized to CRLF and SMTP dot-stuffing
// applied (any line beginning with "." gets an extra leading "."),
// followed by the terminating "." line.
func (s *session) sendBody(body []byte) error {
	lines := strings.Split(string(body), "\n")
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := s.writeLine("%s", line); err != nil {
			return err
		}
	}
	return s.writeLine(".")
}
