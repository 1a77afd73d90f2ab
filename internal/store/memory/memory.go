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

// Package memory implements the in-memory mailbox store (C3): a map from
// mailbox address to an ordered message sequence, UID being the decimal
// insertion index. Nothing survives process restart; grounded in the
// teacher pack's in-memory storage modules (themadorg-madmail's
// internal/storage/memstore), trimmed to the narrow append/list/get
// contract this system needs.
package memory

import (
	"strconv"
	"sync"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/store"
)

// Store is a sync.Mutex-guarded in-memory store.Store.
type Store struct {
	Auth auth.Provider

	mu       sync.Mutex
	messages map[string][][]byte
}

// New returns an empty Store backed by provider for recipient resolution.
func New(provider auth.Provider) *Store {
	return &Store{Auth: provider, messages: make(map[string][][]byte)}
}

// Append implements store.Appender.
func (s *Store) Append(mailbox string, envelope []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[mailbox] = append(s.messages[mailbox], envelope)
	return nil
}

// ResolveMailboxes implements store.Store.
func (s *Store) ResolveMailboxes(recipients []string) []string {
	return s.Auth.ExistingUsers(recipients)
}

// Store implements store.Store.
func (s *Store) Store(from string, to []string, body []byte) []string {
	return store.StoreToRecipients(s.Auth, s, from, to, body)
}

// ListMessagesUIDs implements store.Store.
func (s *Store) ListMessagesUIDs(mailbox string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[mailbox]
	uids := make([]string, len(msgs))
	for i := range msgs {
		uids[i] = strconv.Itoa(i)
	}
	return uids
}

// CountMessagesUIDs implements store.Store.
func (s *Store) CountMessagesUIDs(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[mailbox])
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(mailbox, uid string) ([]byte, bool) {
	i, err := strconv.Atoi(uid)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[mailbox]
	if i < 0 || i >= len(msgs) {
		return nil, false
	}
	return msgs[i], true
}

var _ store.Store = (*Store)(nil)
