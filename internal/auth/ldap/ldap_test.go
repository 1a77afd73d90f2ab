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

package ldap

import "testing"

func TestBuildFilterSubstitutesUsername(t *testing.T) {
	got := buildFilter("(mail={username})", "alice@example.com")
	want := "(mail=alice@example.com)"
	if got != want {
		t.Fatalf("buildFilter = %q, want %q", got, want)
	}
}

func TestBuildFilterEscapesSpecialCharacters(t *testing.T) {
	got := buildFilter("(mail={username})", "a*)(mail=*")
	if got == "(mail=a*)(mail=*)" {
		t.Fatal("buildFilter did not escape LDAP filter metacharacters")
	}
}
