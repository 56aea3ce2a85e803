package middleware

import (
	"testing"
	"time"
)

func TestTimestampWindow(t *testing.T) {
	m := &AuthMiddleware{window: 30 * time.Second}
	now := time.Now().UnixMilli()

	if !m.isTimestampValid(now) {
		t.Fatal("current timestamp should be valid")
	}
	if !m.isTimestampValid(now - 10_000) {
		t.Fatal("recent past timestamp should be valid")
	}
	if m.isTimestampValid(now - 31_000) {
		t.Fatal("timestamp older than the window should be rejected")
	}
	if m.isTimestampValid(now + 5_000) {
		t.Fatal("future timestamp should be rejected")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/conversations", "/conversations"},
		{"/conversations/9b1deb4d/messages", "/conversations/:id"},
		{"/messages/01J8ME", "/messages/:id"},
		{"/notifications/9b1deb4d/read", "/notifications/:id"},
		{"/health", "/health"},
		{"/ws", "/ws"},
	}
	for _, c := range cases {
		if got := normalizePath(c.in); got != c.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
