package wire

import "testing"

func TestFormatLogin(t *testing.T) {
	if got := FormatLogin(false, ""); got != "login: false" {
		t.Fatalf("got %q", got)
	}
	if got := FormatLogin(true, ""); got != "login: true" {
		t.Fatalf("got %q", got)
	}
	if got := FormatLogin(true, "1.2.3"); got != "login: true 1.2.3" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatBlockedPorts_Empty(t *testing.T) {
	if got := FormatBlockedPorts(nil); got != "blocked: " {
		t.Fatalf("got %q", got)
	}
}

func TestFormatBlockedPorts(t *testing.T) {
	if got := FormatBlockedPorts([]int{2223, 2224}); got != "blocked: 2223, 2224" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatAccepts_Empty(t *testing.T) {
	if got := FormatAccepts(nil); got != "accepts: " {
		t.Fatalf("got %q, want the bare label", got)
	}
	if len(ParseAccepts(FormatAccepts(nil))) != 0 {
		t.Fatalf("expected no entries from an empty accepts list")
	}
}

func TestFormatAndParseAccepts_RoundTrip(t *testing.T) {
	entries := []AcceptEntry{{Address: "10.0.0.1", Port: 2223}, {Address: "10.0.0.2", Port: 2224}}
	rendered := FormatAccepts(entries)
	if rendered != "accepts: 10.0.0.1:2223; 10.0.0.2:2224" {
		t.Fatalf("rendered = %q", rendered)
	}

	got := ParseAccepts(rendered)
	if len(got) != 2 || got[0] != entries[0] || got[1] != entries[1] {
		t.Fatalf("got %+v, want %+v", got, entries)
	}
}

func TestFormatAndParseAccepts_SingleEntry(t *testing.T) {
	rendered := FormatAccepts([]AcceptEntry{{Address: "10.0.0.1", Port: 2223}})
	got := ParseAccepts(rendered)
	if len(got) != 1 || got[0] != (AcceptEntry{Address: "10.0.0.1", Port: 2223}) {
		t.Fatalf("got %+v", got)
	}
}

func TestParseBlockedPorts(t *testing.T) {
	got := ParseBlockedPorts("blocked: 2223, 2224")
	if len(got) != 2 || got[0] != 2223 || got[1] != 2224 {
		t.Fatalf("got %v", got)
	}
}

func TestParseBlockedPorts_Empty(t *testing.T) {
	got := ParseBlockedPorts("blocked: ")
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestFormatAccepted(t *testing.T) {
	got := FormatAccepted(true, "10.0.0.1", 2223)
	want := "accepted: true (10.0.0.1 -> 2223)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatUnaccepted_WithAndWithoutPort(t *testing.T) {
	port := 2223
	if got := FormatUnaccepted(true, "10.0.0.1", &port); got != "unaccepted: true (10.0.0.1 -> 2223)" {
		t.Fatalf("got %q", got)
	}
	if got := FormatUnaccepted(true, "10.0.0.1", nil); got != "unaccepted: true (10.0.0.1 -> null)" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatBoolResult(t *testing.T) {
	if got := FormatBoolResult(CmdBlock, true); got != "block: true" {
		t.Fatalf("got %q", got)
	}
	if got := FormatBoolResult(CmdUnblock, false); got != "unblock: false" {
		t.Fatalf("got %q", got)
	}
}
