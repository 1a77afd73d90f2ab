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

package store

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildEnvelopeSynthesizesMessageIDWhenMissing(t *testing.T) {
	envelope := BuildEnvelope("carol@example.org", []string{"alice@example.com"}, []byte("Hello\n"))
	if !bytes.Contains(envelope, []byte("Message-ID: <")) {
		t.Fatalf("envelope missing synthesized Message-ID: %q", envelope)
	}
	if !bytes.Contains(envelope, []byte("@example.org>")) {
		t.Errorf("Message-ID domain should come from the sender's address: %q", envelope)
	}
}

func TestBuildEnvelopePreservesExistingMessageID(t *testing.T) {
	body := []byte("Message-ID: <already-there@example.net>\nSubject: hi\n\nbody\n")
	envelope := BuildEnvelope("carol@example.org", []string{"alice@example.com"}, body)
	if strings.Count(string(envelope), "Message-ID:") != 1 {
		t.Fatalf("expected exactly one Message-ID header, got envelope %q", envelope)
	}
	if !bytes.Contains(envelope, []byte("already-there@example.net")) {
		t.Errorf("original Message-ID should survive: %q", envelope)
	}
}

func TestBuildEnvelopeFallsBackToLocalhostForUnparseableSender(t *testing.T) {
	envelope := BuildEnvelope("not-an-address", []string{"alice@example.com"}, []byte("Hi\n"))
	if !bytes.Contains(envelope, []byte("@localhost>")) {
		t.Errorf("expected localhost fallback domain: %q", envelope)
	}
}

func TestStoreToRecipientsSkipsUnknownRecipients(t *testing.T) {
	stored := StoreToRecipients(stubProvider{known: map[string]bool{"alice@example.com": true}}, &recordingAppender{}, "carol@example.org", []string{"alice@example.com", "ghost@example.com"}, []byte("Hi\n"))
	if len(stored) != 1 || stored[0] != "alice@example.com" {
		t.Fatalf("stored = %v, want [alice@example.com]", stored)
	}
}

type stubProvider struct{ known map[string]bool }

func (s stubProvider) HasUser(addr string) bool { return s.known[addr] }
func (s stubProvider) Validate(string, string) bool { return false }
func (s stubProvider) ExistingUsers(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if s.known[a] {
			out = append(out, a)
		}
	}
	return out
}

type recordingAppender struct{ appended []string }

func (r *recordingAppender) Append(mailbox string, envelope []byte) error {
	r.appended = append(r.appended, mailbox)
	return nil
}
