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

package address

import "testing"

func TestNormalizeAccentedPlusAddressed(t *testing.T) {
	user, domain := Normalize("Álice+test@domain.com")
	if user != "alice" {
		t.Fatalf("user = %q, want %q", user, "alice")
	}
	if domain != "domain.com" {
		t.Fatalf("domain = %q, want %q", domain, "domain.com")
	}
}

func TestNormalizeDotsRemovedFromLocalPart(t *testing.T) {
	user, _ := Normalize("a.l.i.c.e@example.com")
	if user != "alice" {
		t.Fatalf("user = %q, want %q", user, "alice")
	}
}

func TestNormalizeNonWordReplaced(t *testing.T) {
	user, domain := Normalize("bob smith@ex ample!.com")
	if user != "bob_smith" {
		t.Fatalf("user = %q, want %q", user, "bob_smith")
	}
	if domain != "ex_ample_.com" {
		t.Fatalf("domain = %q, want %q", domain, "ex_ample_.com")
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	addrs := []string{"Álice+test@domain.com", "a.l.i.c.e@example.com", "bob@EXAMPLE.COM"}
	for _, a := range addrs {
		u1, d1 := Normalize(a)
		u2, d2 := Normalize(u1 + "@" + d1)
		if u1 != u2 || d1 != d2 {
			t.Fatalf("Normalize not idempotent for %q: (%q,%q) != (%q,%q)", a, u1, d1, u2, d2)
		}
	}
}

func TestSplitMissingAtSign(t *testing.T) {
	if _, _, err := Split("not-an-address"); err != ErrMissingAtSign {
		t.Fatalf("err = %v, want ErrMissingAtSign", err)
	}
}
