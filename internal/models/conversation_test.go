package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanonicalPairOrderIndependent(t *testing.T) {
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	x1, y1 := CanonicalPair(a, b)
	x2, y2 := CanonicalPair(b, a)

	if x1 != x2 || y1 != y2 {
		t.Fatal("canonical pair should not depend on argument order")
	}
	if x1 != a || y1 != b {
		t.Fatalf("expected (%s, %s), got (%s, %s)", a, b, x1, y1)
	}
}

func TestHasParticipantAndOther(t *testing.T) {
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	c := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	conv := &Conversation{ParticipantA: a, ParticipantB: b}

	if !conv.HasParticipant(a) || !conv.HasParticipant(b) {
		t.Fatal("both participants should be members")
	}
	if conv.HasParticipant(c) {
		t.Fatal("third party should not be a member")
	}
	if conv.OtherParticipant(a) != b || conv.OtherParticipant(b) != a {
		t.Fatal("OtherParticipant should return the opposite side")
	}
}

func TestFlaggedBy(t *testing.T) {
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	conv := &Conversation{MutedBy: []uuid.UUID{a}}

	if !conv.FlaggedBy(FlagMuted, a) {
		t.Fatal("a should have the conversation muted")
	}
	if conv.FlaggedBy(FlagMuted, b) {
		t.Fatal("b should not have the conversation muted")
	}
	if conv.FlaggedBy(FlagPinned, a) {
		t.Fatal("a has not pinned the conversation")
	}
}

func TestValidFlag(t *testing.T) {
	for _, f := range []ConversationFlag{FlagPinned, FlagArchived, FlagMuted} {
		if !ValidFlag(f) {
			t.Fatalf("%s should be valid", f)
		}
	}
	if ValidFlag("starred") {
		t.Fatal("unknown flag should be invalid")
	}
}

func TestMessageEmpty(t *testing.T) {
	if !(&Message{}).Empty() {
		t.Fatal("message with no content and no attachments is empty")
	}
	if (&Message{Content: "hi"}).Empty() {
		t.Fatal("message with content is not empty")
	}
	if (&Message{Attachments: []Attachment{{Filename: "a.pdf"}}}).Empty() {
		t.Fatal("message with an attachment is not empty")
	}
}
