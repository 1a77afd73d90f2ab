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

// Package store defines the mailbox store contract (C3): an append-only
// per-mailbox message log with enumeration and retrieval, bound to the
// auth provider for recipient resolution. Four realizations live in the
// memory, filesystem, sqlstore and s3store subpackages.
package store

import (
	"bytes"
	"strings"

	"github.com/google/uuid"

	"github.com/mailstack/mailstack/internal/address"
	"github.com/mailstack/mailstack/internal/auth"
)

// Store is the mailbox store contract (C3).
type Store interface {
	// ResolveMailboxes filters recipients down to known local addresses,
	// delegating to the auth provider's ExistingUsers.
	ResolveMailboxes(recipients []string) []string

	// Store appends an envelope built from from/to/body to each recipient
	// in to that is a known local user, returning the addresses
	// successfully stored to. Recipients unknown to the auth provider are
	// silently skipped. Delivery to the underlying medium is at-least-once;
	// Store never de-duplicates.
	Store(from string, to []string, body []byte) []string

	// ListMessagesUIDs returns mailbox's UIDs ordered ascending by append
	// time. An unknown or empty mailbox yields an empty slice, not an error.
	ListMessagesUIDs(mailbox string) []string

	// CountMessagesUIDs equals len(ListMessagesUIDs(mailbox)).
	CountMessagesUIDs(mailbox string) int

	// GetMessage returns the stored octets for uid in mailbox, or ok=false
	// if no such UID exists.
	GetMessage(mailbox, uid string) (body []byte, ok bool)
}

// BuildEnvelope formats a stored message: a synthesized From/To header
// pair prepended to the raw body, per the data model's stored-message
// definition. A body with no "Message-ID:" line of its own gets one
// synthesized from a random UUID, grounded in the teacher's submission
// endpoint (internal/endpoint/smtp/submission.go's msgIDField), which
// fills the same gap for messages submitted without one.
func BuildEnvelope(from string, to []string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("From: ")
	buf.WriteString(from)
	buf.WriteByte('\n')
	buf.WriteString("To: ")
	buf.WriteString(strings.Join(to, ", "))
	buf.WriteByte('\n')
	if !hasMessageID(body) {
		buf.WriteString("Message-ID: <")
		buf.WriteString(uuid.NewString())
		buf.WriteString("@")
		buf.WriteString(messageIDDomain(from))
		buf.WriteString(">\n")
	}
	buf.Write(body)
	return buf.Bytes()
}

func hasMessageID(body []byte) bool {
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			break // end of headers
		}
		if len(line) >= 11 && strings.EqualFold(line[:11], "Message-ID:") {
			return true
		}
	}
	return false
}

func messageIDDomain(from string) string {
	_, domain, err := address.Split(from)
	if err != nil || domain == "" {
		return "localhost"
	}
	return domain
}

// Appender is the narrow per-backend hook Store's shared StoreToRecipients
// helper drives: append envelope to the named mailbox, creating it if
// necessary.
type Appender interface {
	Append(mailbox string, envelope []byte) error
}

// StoreToRecipients implements the common Store(from, to, body) semantics
// shared by every backend: resolve recipients via provider, build the
// envelope once, append it to each resolved mailbox, and collect the
// addresses that succeeded. A backend-specific append failure is skipped
// rather than aborting the whole call, matching the store's at-least-once,
// best-effort delivery contract.
func StoreToRecipients(provider auth.Provider, appender Appender, from string, to []string, body []byte) []string {
	recipients := provider.ExistingUsers(to)
	if len(recipients) == 0 {
		return nil
	}

	envelope := BuildEnvelope(from, to, body)

	stored := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if err := appender.Append(r, envelope); err != nil {
			continue
		}
		stored = append(stored, r)
	}
	return stored
}
