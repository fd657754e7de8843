package hl7v2

import (
	"testing"
)

func TestEncode_RoundTrip(t *testing.T) {
	for name, raw := range map[string]string{"adt": sampleADT, "oru": sampleORU} {
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if got := string(Encode(msg)); got != raw {
			t.Errorf("%s: round trip mismatch\n got: %q\nwant: %q", name, got, raw)
		}
	}
}

func TestEncode_DefaultDelimiters(t *testing.T) {
	msg := &Message{
		Segments: []Segment{
			{Name: "MSH", Fields: []Field{TextField("|"), TextField("^~\\&"), TextField("APP")}},
			{Name: "MSA", Fields: []Field{TextField("AA"), TextField("C1")}},
		},
	}
	want := "MSH|^~\\&|APP\rMSA|AA|C1"
	if got := string(Encode(msg)); got != want {
		t.Errorf("Encode = %q, want %q", got, want)
	}
}

func TestComponentField(t *testing.T) {
	f := ComponentField(DefaultDelimiters, "ACK", "A01")
	if f.Value != "ACK^A01" {
		t.Errorf("Value = %q", f.Value)
	}
	if len(f.Repeats) != 1 || len(f.Components) != 2 {
		t.Errorf("unexpected structure: %+v", f)
	}
}

func TestDelimiters_EscapeText(t *testing.T) {
	d := DefaultDelimiters
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"plain text", "plain text"},
		{"a|b", `a\F\b`},
		{"x^y~z", `x\S\y\R\z`},
		{`back\slash`, `back\E\slash`},
		{"R&D", `R\T\D`},
	}
	for _, tt := range tests {
		got := d.EscapeText(tt.in)
		if got != tt.want {
			t.Errorf("EscapeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if back := d.Unescape(got); back != tt.in {
			t.Errorf("Unescape(EscapeText(%q)) = %q", tt.in, back)
		}
	}
}

func TestDelimiters_UnescapeFormatting(t *testing.T) {
	d := DefaultDelimiters
	if got := d.Unescape(`line one\.br\line two`); got != "line one\nline two" {
		t.Errorf("Unescape .br = %q", got)
	}
	if got := d.Unescape(`value \H\bold\N\ text`); got != "value bold text" {
		t.Errorf("Unescape formatting = %q", got)
	}
	if got := d.Unescape(`dangling \esc`); got != `dangling \esc` {
		t.Errorf("Unescape dangling = %q", got)
	}
}
