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

package imapserver

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	authmem "github.com/mailstack/mailstack/internal/auth/memory"
	"github.com/mailstack/mailstack/internal/metrics"
	storemem "github.com/mailstack/mailstack/internal/store/memory"
)

func generateTestCert(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mailstack.test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}, InsecureSkipVerify: true}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readUntilTagged reads lines until one starting with tag, returning all
// lines read including the tagged one.
func (c *testClient) readUntilTagged(tag string) []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

func (c *testClient) startTLS(cfg *tls.Config) {
	c.t.Helper()
	c.send("t0 STARTTLS")
	c.readUntilTagged("t0")
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
}

func newTestServer(t *testing.T, cfg Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go NewSession(conn, cfg).Serve()
		}
	}()
	return ln.Addr().String()
}

func TestGreeting(t *testing.T) {
	authp, _ := authmem.NewWithUsers(nil)
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp)}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	greeting := c.readLine()
	if !strings.Contains(greeting, "mailstack.test") {
		t.Errorf("greeting %q missing hostname", greeting)
	}
}

func TestLoginDeniedWithoutTLS(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp)}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.send("a1 LOGIN alice@example.com password123")
	lines := c.readUntilTagged("a1")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "STARTTLS required") {
		t.Errorf("LOGIN reply %q missing STARTTLS required", last)
	}
}

func TestLoginAfterStartTLSThenLogout(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp)}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.startTLS(generateTestCert(t))

	c.send("a1 LOGIN alice@example.com password123")
	lines := c.readUntilTagged("a1")
	if !strings.Contains(lines[len(lines)-1], "LOGIN completed") {
		t.Fatalf("LOGIN reply = %v, want LOGIN completed", lines)
	}

	c.send("a2 LOGOUT")
	lines = c.readUntilTagged("a2")
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "* BYE") || !strings.Contains(joined, "LOGOUT completed") {
		t.Errorf("LOGOUT reply = %v, want BYE + LOGOUT completed", lines)
	}
}

// TestLoginFailureIncrementsMetric exercises C9's AuthFailures counter
// against a wrong-password LOGIN.
func TestLoginFailureIncrementsMetric(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	reg := metrics.New()
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp), Metrics: reg}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.startTLS(generateTestCert(t))

	c.send("a1 LOGIN alice@example.com wrongpass")
	lines := c.readUntilTagged("a1")
	if !strings.Contains(lines[len(lines)-1], "LOGIN failed") {
		t.Fatalf("LOGIN reply = %v, want LOGIN failed", lines)
	}

	if got := testutil.ToFloat64(reg.AuthFailures); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
}

func TestSelectReportsMessageCount(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	st := storemem.New(authp)
	st.Store("carol@example.org", []string{"alice@example.com"}, []byte("Hello 1"))
	st.Store("carol@example.org", []string{"alice@example.com"}, []byte("Hello 2"))

	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: st}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.startTLS(generateTestCert(t))
	c.send("a1 LOGIN alice@example.com password123")
	c.readUntilTagged("a1")

	c.send("a2 SELECT INBOX")
	lines := c.readUntilTagged("a2")
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "* 2 EXISTS") {
		t.Errorf("SELECT reply = %v, want \"* 2 EXISTS\"", lines)
	}
	if !strings.Contains(joined, "SELECT completed") {
		t.Errorf("SELECT reply = %v, want SELECT completed", lines)
	}
}

func TestUIDSearchAndFetchUseStoreUIDs(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	st := storemem.New(authp)
	st.Store("carol@example.org", []string{"alice@example.com"}, []byte("First body"))
	st.Store("carol@example.org", []string{"alice@example.com"}, []byte("Second body"))

	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: st}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.startTLS(generateTestCert(t))
	c.send("a1 LOGIN alice@example.com password123")
	c.readUntilTagged("a1")

	c.send("a2 UID SEARCH ALL")
	lines := c.readUntilTagged("a2")
	if !strings.Contains(lines[0], "0 1") {
		t.Errorf("UID SEARCH reply = %v, want the store's own UIDs (0 1)", lines)
	}

	c.send("a3 UID FETCH 1:* (RFC822)")
	lines = c.readUntilTagged("a3")
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "First body") || !strings.Contains(joined, "Second body") {
		t.Errorf("UID FETCH reply missing message bodies: %v", lines)
	}
	if !strings.Contains(joined, "FETCH completed") {
		t.Errorf("UID FETCH reply = %v, want FETCH completed", lines)
	}
}

func TestAuthRequiredBeforeSelect(t *testing.T) {
	authp, _ := authmem.NewWithUsers(nil)
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp)}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	c.startTLS(generateTestCert(t))
	c.send("a1 SELECT INBOX")
	lines := c.readUntilTagged("a1")
	if !strings.Contains(lines[len(lines)-1], "AUTHENTICATIONFAILED") {
		t.Errorf("SELECT reply = %v, want AUTHENTICATIONFAILED", lines)
	}
}

func TestImplicitTLSSkipsStartTLS(t *testing.T) {
	authp, _ := authmem.NewWithUsers(map[string]string{"alice@example.com": "password123"})
	cfg := Config{Hostname: "mailstack.test", TLSConfig: generateTestCert(t), Auth: authp, Store: storemem.New(authp), ImplicitTLS: true}
	addr := newTestServer(t, cfg)

	c := dial(t, addr)
	c.readLine()
	// No STARTTLS needed: implicit-TLS sessions already report tls=true.
	c.send("a1 LOGIN alice@example.com password123")
	lines := c.readUntilTagged("a1")
	if !strings.Contains(lines[len(lines)-1], "LOGIN completed") {
		t.Errorf("LOGIN reply = %v, want LOGIN completed", lines)
	}
}
