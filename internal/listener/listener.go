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

// Package listener implements the accept loops (C7): binding to TCP
// ports and spawning one session per accepted connection, for the SMTP
// listener and the two IMAP listeners (cleartext-with-STARTTLS and
// implicit-TLS).
//
// Grounded in the teacher's internal/endpoint/smtp.Endpoint.setupListeners:
// net.Listen, optionally wrap in tls.NewListener, loop Accept-ing in Serve,
// each connection handed to its own goroutine tracked by a sync.WaitGroup.
// Close only closes the socket; it neither waits for nor terminates
// in-flight sessions (spec §4.7's "in-flight sessions are not forcibly
// terminated").
package listener

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/proxyprotocol"
)

// Session is anything with a blocking per-connection Serve method, the
// shape both smtpserver.Session and imapserver.Session share.
type Session interface {
	Serve()
}

// SessionFactory builds one Session per accepted connection.
type SessionFactory func(conn net.Conn) Session

// Config describes one listener: the address to bind, whether to wrap in
// implicit TLS, and an optional PROXY protocol trust configuration.
type Config struct {
	Address       string
	ImplicitTLS   bool
	TLSConfig     *tls.Config
	ProxyProtocol *proxyprotocol.Config
	Log           log.Logger
}

// Listener owns one bound socket and the goroutine accepting on it.
type Listener struct {
	cfg Config
	ln  net.Listener
	wg  sync.WaitGroup
}

// Listen binds cfg.Address, applying implicit TLS and/or PROXY protocol
// wrapping as configured, but does not yet accept connections.
func Listen(cfg Config) (*Listener, error) {
	raw, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	var ln net.Listener = raw
	if cfg.ProxyProtocol != nil {
		ln = proxyprotocol.Wrap(ln, *cfg.ProxyProtocol)
	}
	if cfg.ImplicitTLS {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}

	cfg.Log.Printf("listening on %s", cfg.Address)
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Serve runs the accept loop, spawning factory(conn).Serve() per
// connection in its own goroutine, until Close is called.
func (l *Listener) Serve(factory SessionFactory) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			factory(conn).Serve()
		}()
	}
}

// Close stops accepting new connections. In-flight sessions are not
// forcibly terminated, per spec §4.7.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address, useful for tests that bind to port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
