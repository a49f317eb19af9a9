package store_test

import (
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/golithk/kiln/internal/store"
)

// Any instant, in any zone, must format with a Z suffix and round-trip
// through parse to the same instant.
func TestFormatParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sec := rapid.Int64Range(0, 4102444800).Draw(t, "sec") // through 2100
		offsetMin := rapid.IntRange(-14*60, 14*60).Draw(t, "offsetMin")
		zone := time.FixedZone("test", offsetMin*60)
		ts := time.Unix(sec, 0).In(zone)

		formatted := store.FormatTime(ts)
		if !strings.HasSuffix(formatted, "Z") {
			t.Fatalf("formatted %q lacks Z suffix", formatted)
		}
		parsed, err := store.ParseTime(formatted)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !parsed.Equal(ts) {
			t.Fatalf("round trip changed instant: %v != %v", parsed, ts)
		}
	})
}

// Board APIs hand back offsets like +00:00; parsing must accept them
// and land on the same instant as the Z form.
func TestParseAcceptsOffsetForm(t *testing.T) {
	a, err := store.ParseTime("2026-08-01T10:00:00+00:00")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.ParseTime("2026-08-01T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("offset and Z forms differ: %v vs %v", a, b)
	}
}
