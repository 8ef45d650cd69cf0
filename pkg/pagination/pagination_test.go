package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{-1: DefaultLimit, 0: DefaultLimit, 10: 10, MaxLimit + 1: MaxLimit}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
	if LimitWithBuffer(10) != 11 {
		t.Fatal("buffer must fetch one extra row")
	}
}

func TestCursorTokenIsOpaqueAndStable(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 123, time.FixedZone("x", 3600)), ID: uuid.New()}
	parsed, err := ParseCursor(EncodeCursor(cursor))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.CreatedAt.Equal(cursor.CreatedAt) || parsed.ID != cursor.ID {
		t.Fatalf("got %+v, want %+v", parsed, cursor)
	}
	if parsed.CreatedAt.Location() != time.UTC {
		t.Fatal("cursor time must be normalized to UTC")
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	if c, err := ParseCursor("  "); c != nil || err != nil {
		t.Fatalf("empty token must be the first page, got %v %v", c, err)
	}
	for _, tok := range []string{"not-base64!", token("no-separator"), token("yesterday|" + uuid.NewString()), token("2026-03-01T00:00:00Z|nope")} {
		if _, err := ParseCursor(tok); err == nil {
			t.Fatalf("expected error for %q", tok)
		}
	}
}

func token(raw string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
