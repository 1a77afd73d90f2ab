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

import "testing"

func TestValidateAcceptsCorrectSecret(t *testing.T) {
	p, err := NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	if !p.Validate("alice@example.com", "pass123") {
		t.Fatal("Validate rejected correct secret")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	p, err := NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	if p.Validate("alice@example.com", "wrong") {
		t.Fatal("Validate accepted wrong secret")
	}
}

func TestValidateRejectsUnknownUser(t *testing.T) {
	p := New()
	if p.Validate("ghost@example.com", "anything") {
		t.Fatal("Validate accepted unknown user")
	}
}

func TestHasUserNormalizesAddress(t *testing.T) {
	p, err := NewWithUsers(map[string]string{"Alice+work@Example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	if !p.HasUser("alice@example.com") {
		t.Fatal("HasUser should match after normalization")
	}
}

func TestExistingUsersPreservesOrderAndFilters(t *testing.T) {
	p, err := NewWithUsers(map[string]string{
		"alice@example.com": "a",
		"carol@example.com": "c",
	})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	got := p.ExistingUsers([]string{"bob@example.com", "alice@example.com", "carol@example.com"})
	if len(got) != 2 || got[0] != "alice@example.com" || got[1] != "carol@example.com" {
		t.Fatalf("ExistingUsers = %v, want [alice@example.com carol@example.com]", got)
	}
}

func TestRemoveUser(t *testing.T) {
	p, err := NewWithUsers(map[string]string{"alice@example.com": "pass123"})
	if err != nil {
		t.Fatalf("NewWithUsers: %v", err)
	}
	p.RemoveUser("alice@example.com")
	if p.HasUser("alice@example.com") {
		t.Fatal("HasUser should be false after RemoveUser")
	}
}
