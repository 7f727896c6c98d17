package recipient

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCSVLoad(t *testing.T) {
	path := writeCSV(t, `email,first_name,city
alice@example.com,Alice,Berlin
bob@example.com,Bob,Lisbon
`)

	got, err := NewCSVSource(path, "").Load(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d recipients, want 2", len(got))
	}
	if got[0].Email != "alice@example.com" || got[1].Email != "bob@example.com" {
		t.Errorf("order or addresses wrong: %+v", got)
	}
	if got[0].Fields["first_name"] != "Alice" || got[0].Fields["city"] != "Berlin" {
		t.Errorf("extra columns should pass through as fields: %+v", got[0].Fields)
	}
	if _, ok := got[0].Fields["email"]; ok {
		t.Error("email column must not appear among fields")
	}
}

func TestCSVLoadCustomEmailColumn(t *testing.T) {
	path := writeCSV(t, `name,E-Mail
Alice,alice@example.com
`)

	got, err := NewCSVSource(path, "e-mail").Load(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Email != "alice@example.com" {
		t.Errorf("case-insensitive column lookup failed: %+v", got)
	}
}

func TestCSVLoadSkipsMalformedAddresses(t *testing.T) {
	path := writeCSV(t, `email
alice@example.com
not-an-address
@example.com
bob@
carol@example.com
`)

	got, err := NewCSVSource(path, "").Load(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid recipients, got %d", len(got))
	}
}

func TestCSVLoadRespectsLimit(t *testing.T) {
	path := writeCSV(t, `email
a@example.com
b@example.com
c@example.com
`)

	got, err := NewCSVSource(path, "").Load(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("limit ignored: got %d recipients", len(got))
	}
}

func TestCSVLoadMissingEmailColumn(t *testing.T) {
	path := writeCSV(t, `name,city
Alice,Berlin
`)

	if _, err := NewCSVSource(path, "").Load(0); err == nil {
		t.Error("expected error for missing email column")
	}
}

func TestValidateEmail(t *testing.T) {
	for _, addr := range []string{"a@b.com", "first.last@sub.domain.org", "x+tag@y.io"} {
		if err := ValidateEmail(addr); err != nil {
			t.Errorf("ValidateEmail(%q) = %v, want nil", addr, err)
		}
	}
	for _, addr := range []string{"", "nope", "@x.com", "x@", "a b@c.com"} {
		if err := ValidateEmail(addr); err == nil {
			t.Errorf("ValidateEmail(%q) should fail", addr)
		}
	}
}
