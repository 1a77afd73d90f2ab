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

package memory

import (
	"bytes"
	"testing"

	"github.com/mailstack/mailstack/internal/auth/memory"
)

func TestDepositAndRetrieval(t *testing.T) {
	authp, err := memory.NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	s := New(authp)

	stored := s.Store("carol@example.org", []string{"alice@example.com"}, []byte("Hello World"))
	if len(stored) != 1 || stored[0] != "alice@example.com" {
		t.Fatalf("Store returned %v, want [alice@example.com]", stored)
	}

	if got := s.CountMessagesUIDs("alice@example.com"); got != 1 {
		t.Fatalf("CountMessagesUIDs = %d, want 1", got)
	}
	uids := s.ListMessagesUIDs("alice@example.com")
	if len(uids) != 1 || uids[0] != "0" {
		t.Fatalf("ListMessagesUIDs = %v, want [0]", uids)
	}

	body, ok := s.GetMessage("alice@example.com", "0")
	if !ok {
		t.Fatal("GetMessage: not found")
	}
	if !bytes.Contains(body, []byte("Hello World")) {
		t.Fatalf("body = %q, want it to contain %q", body, "Hello World")
	}
}

func TestStoreSkipsUnknownRecipients(t *testing.T) {
	authp, err := memory.NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	s := New(authp)

	stored := s.Store("carol@example.org", []string{"ghost@example.com"}, []byte("body"))
	if len(stored) != 0 {
		t.Fatalf("Store returned %v, want empty", stored)
	}
}

func TestCountEqualsListLengthAfterKAppends(t *testing.T) {
	authp, err := memory.NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	s := New(authp)

	const k = 5
	for i := 0; i < k; i++ {
		s.Store("carol@example.org", []string{"alice@example.com"}, []byte("msg"))
	}

	if got := s.CountMessagesUIDs("alice@example.com"); got != k {
		t.Fatalf("CountMessagesUIDs = %d, want %d", got, k)
	}
	uids := s.ListMessagesUIDs("alice@example.com")
	if len(uids) != k {
		t.Fatalf("len(ListMessagesUIDs) = %d, want %d", len(uids), k)
	}
	for _, u := range uids {
		if _, ok := s.GetMessage("alice@example.com", u); !ok {
			t.Fatalf("GetMessage(%q) not found", u)
		}
	}
}

func TestListMessagesUIDsEmptyForUnknownMailbox(t *testing.T) {
	s := New(nil)
	if got := s.ListMessagesUIDs("nobody@example.com"); len(got) != 0 {
		t.Fatalf("ListMessagesUIDs = %v, want empty", got)
	}
}
