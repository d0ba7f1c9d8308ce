package models

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestBeforeOrdersByTimestampThenID(t *testing.T) {
	a := Message{ID: "a", Timestamp: "2026-01-01T10:00:00.000Z"}
	b := Message{ID: "b", Timestamp: "2026-01-01T10:00:00.001Z"}

	if !a.Before(b) || b.Before(a) {
		t.Fatalf("expected timestamp ordering a < b")
	}

	c := Message{ID: "c", Timestamp: a.Timestamp}
	if !a.Before(c) || c.Before(a) {
		t.Fatalf("expected id tiebreak a < c at equal timestamps")
	}
}

func TestFormatTimestampIsFixedWidthUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := time.Date(2026, 3, 5, 18, 4, 5, 7_000_000, loc)

	got := FormatTimestamp(local)
	if got != "2026-03-05T23:04:05.007Z" {
		t.Fatalf("unexpected format: %q", got)
	}

	// Lexicographic comparison must agree with chronology.
	later := FormatTimestamp(local.Add(time.Millisecond))
	if !(got < later) {
		t.Fatalf("expected %q < %q", got, later)
	}
}

func TestSelfAddressed(t *testing.T) {
	if !(Message{FromUserID: "a", ToUserID: "a"}).SelfAddressed() {
		t.Fatalf("expected self-addressed")
	}
	if (Message{FromUserID: "a", ToUserID: "b"}).SelfAddressed() {
		t.Fatalf("expected not self-addressed")
	}
}

func TestNewMessageIDFormatAndUniqueness(t *testing.T) {
	pattern := regexp.MustCompile(`^\d+-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id within one tick: %q", id)
		}
		seen[id] = true
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		profile UserProfile
		want    string
	}{
		{UserProfile{FirstName: "Ada", Surname: "Obi"}, "Ada Obi"},
		{UserProfile{FirstName: "Ada"}, "Ada"},
		{UserProfile{Surname: "Obi"}, "Obi"},
		{UserProfile{}, PlaceholderName},
	}
	for _, tc := range cases {
		if got := tc.profile.DisplayName(); got != tc.want {
			t.Fatalf("DisplayName(%+v) = %q, want %q", tc.profile, got, tc.want)
		}
	}
}

func TestTimestampLayoutRoundTrips(t *testing.T) {
	now := time.Now()
	rendered := FormatTimestamp(now)
	if !strings.HasSuffix(rendered, "Z") {
		t.Fatalf("expected UTC suffix, got %q", rendered)
	}

	parsed, err := time.Parse(TimestampLayout, rendered)
	if err != nil {
		t.Fatalf("parse rendered timestamp: %v", err)
	}
	if parsed.UnixMilli() != now.UnixMilli() {
		t.Fatalf("round trip lost precision: %v vs %v", parsed, now)
	}
}
