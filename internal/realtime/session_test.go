package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/models"
	"github.com/worklane-hq/worklane-messaging/internal/notify"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

// fakeDataStore covers the store surface sessions touch. The embedded
// interface is nil so any call outside that surface panics the test.
type fakeDataStore struct {
	store.DataStore
	conversations map[uuid.UUID]*models.Conversation
	messages      map[string]*models.Message
	notifications []models.Notification
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[string]*models.Message),
	}
}

func (f *fakeDataStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return f.conversations[id], nil
}

func (f *fakeDataStore) MarkMessagesRead(ctx context.Context, convID, readerID uuid.UUID, ids []string) ([]string, error) {
	var marked []string
	for _, id := range ids {
		m, ok := f.messages[id]
		if !ok || m.ConversationID != convID || m.SenderID == readerID || m.IsRead {
			continue
		}
		m.IsRead = true
		marked = append(marked, id)
	}
	return marked, nil
}

func (f *fakeDataStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	f.notifications = append(f.notifications, *n)
	return nil
}

func sessionUser(name string) *models.User {
	return &models.User{ID: uuid.New(), Role: models.RoleWorker, DisplayName: name}
}

func (f *fakeDataStore) seedConversation(a, b *models.User) *models.Conversation {
	pa, pb := models.CanonicalPair(a.ID, b.ID)
	conv := &models.Conversation{
		ID:           uuid.New(),
		ParticipantA: pa,
		ParticipantB: pb,
		CreatedAt:    time.Now(),
	}
	f.conversations[conv.ID] = conv
	return conv
}

func (f *fakeDataStore) seedMessage(conv *models.Conversation, sender *models.User, content string, read bool) *models.Message {
	msg := &models.Message{
		ID:             fmt.Sprintf("msg-%d", len(f.messages)+1),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        content,
		Seq:            int64(len(f.messages) + 1),
		IsRead:         read,
		CreatedAt:      time.Now(),
	}
	f.messages[msg.ID] = msg
	return msg
}

func newTestServer(fake *fakeDataStore) *Server {
	bridge := notify.NewBridge(fake, zerolog.Nop())
	return NewServer(NewHub(zerolog.Nop()), fake, nil, bridge, zerolog.Nop())
}

// newTestSession builds a session without a socket. The handlers under test
// only touch the store, the hub and the send queue.
func newTestSession(t *testing.T, srv *Server, user *models.User) *session {
	t.Helper()
	sess := &session{server: srv, user: user, send: make(chan []byte, 16)}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())
	t.Cleanup(sess.cancel)
	return sess
}

func rawPayload(t *testing.T, payload interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeEnvelope(t *testing.T, data []byte) (string, json.RawMessage) {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	return env.Type, env.Payload
}

func TestMessageReadIgnoresIDsOutsideConversation(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")
	carol := sessionUser("carol")
	dave := sessionUser("dave")

	conv := fake.seedConversation(alice, bob)
	other := fake.seedConversation(carol, dave)

	unread := fake.seedMessage(conv, bob, "unread here", false)
	own := fake.seedMessage(conv, alice, "alice's own", false)
	seen := fake.seedMessage(conv, bob, "already seen", true)
	foreign := fake.seedMessage(other, carol, "not alice's thread", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	observer := newFakeMember(t)
	srv.hub.Join(ConversationRoom(conv.ID), observer)

	sess.handleMessageRead(rawPayload(t, MessageReadPayload{
		ConversationID: conv.ID,
		MessageIDs:     []string{unread.ID, own.ID, seen.ID, foreign.ID},
	}))

	if fake.messages[foreign.ID].IsRead {
		t.Fatal("a receipt must not mark messages of another conversation")
	}
	if fake.messages[own.ID].IsRead {
		t.Fatal("a receipt must not mark the reader's own messages")
	}
	if !fake.messages[unread.ID].IsRead {
		t.Fatal("the legitimate unread message should be marked")
	}

	if len(observer.received) != 1 {
		t.Fatalf("expected 1 receipt broadcast, got %d", len(observer.received))
	}
	eventType, payload := decodeEnvelope(t, observer.received[0])
	if eventType != EventMessageRead {
		t.Fatalf("expected %s, got %s", EventMessageRead, eventType)
	}
	var receipt MessageReadPayload
	if err := json.Unmarshal(payload, &receipt); err != nil {
		t.Fatal(err)
	}
	if len(receipt.MessageIDs) != 1 || receipt.MessageIDs[0] != unread.ID {
		t.Fatalf("broadcast should carry only the marked id, got %v", receipt.MessageIDs)
	}
	if receipt.ReaderID != alice.ID {
		t.Fatalf("expected reader %s, got %s", alice.ID, receipt.ReaderID)
	}
}

func TestMessageReadRejectsForeignConversation(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	carol := sessionUser("carol")
	dave := sessionUser("dave")

	other := fake.seedConversation(carol, dave)
	foreign := fake.seedMessage(other, carol, "private", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	observer := newFakeMember(t)
	srv.hub.Join(ConversationRoom(other.ID), observer)

	sess.handleMessageRead(rawPayload(t, MessageReadPayload{
		ConversationID: other.ID,
		MessageIDs:     []string{foreign.ID},
	}))

	if fake.messages[foreign.ID].IsRead {
		t.Fatal("non-participants must not mark messages read")
	}
	if len(observer.received) != 0 {
		t.Fatal("nothing should be broadcast for a rejected receipt")
	}
}

func TestMessageReadNoChangeNoBroadcast(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")

	conv := fake.seedConversation(alice, bob)
	seen := fake.seedMessage(conv, bob, "already seen", true)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	observer := newFakeMember(t)
	srv.hub.Join(ConversationRoom(conv.ID), observer)

	sess.handleMessageRead(rawPayload(t, MessageReadPayload{
		ConversationID: conv.ID,
		MessageIDs:     []string{seen.ID},
	}))

	if len(observer.received) != 0 {
		t.Fatal("a receipt that changes nothing should not be rebroadcast")
	}
}

func TestSendMessageFansOutToRoomAndRecipient(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")
	conv := fake.seedConversation(alice, bob)
	msg := fake.seedMessage(conv, alice, "hello bob", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	// Bob has the conversation open and a personal room session.
	bobConv := &fakeMember{id: bob.ID}
	bobPersonal := &fakeMember{id: bob.ID}
	srv.hub.Join(ConversationRoom(conv.ID), bobConv)
	srv.hub.Join(UserRoom(bob.ID), bobPersonal)

	sess.handleSendMessage(rawPayload(t, SendMessagePayload{Message: *msg}))

	if len(bobConv.received) != 1 {
		t.Fatalf("expected 1 room event, got %d", len(bobConv.received))
	}
	eventType, payload := decodeEnvelope(t, bobConv.received[0])
	if eventType != EventNewMessage {
		t.Fatalf("expected %s, got %s", EventNewMessage, eventType)
	}
	var got models.Message
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID || got.Content != msg.Content {
		t.Fatalf("room event carries the wrong message: %+v", got)
	}

	if len(bobPersonal.received) != 1 {
		t.Fatalf("expected 1 personal-room event, got %d", len(bobPersonal.received))
	}
	eventType, payload = decodeEnvelope(t, bobPersonal.received[0])
	if eventType != EventConversationUpdated {
		t.Fatalf("expected %s, got %s", EventConversationUpdated, eventType)
	}
	var upd ConversationUpdatedPayload
	if err := json.Unmarshal(payload, &upd); err != nil {
		t.Fatal(err)
	}
	if upd.ConversationID != conv.ID || upd.LastMessage == nil || upd.LastMessage.ID != msg.ID {
		t.Fatalf("preview update is wrong: %+v", upd)
	}

	// Recipient was in the room, so no notification is persisted.
	if len(fake.notifications) != 0 {
		t.Fatalf("expected no notification, got %d", len(fake.notifications))
	}
}

func TestSendMessageFirstContactNotifiesRecipient(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")
	conv := fake.seedConversation(alice, bob)
	msg := fake.seedMessage(conv, alice, "are you available next week?", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	// Bob is fully offline; only the sender's view of the world exists, as
	// on the very first message of a new thread.
	sess.handleSendMessage(rawPayload(t, SendMessagePayload{Message: *msg}))

	if len(fake.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(fake.notifications))
	}
	n := fake.notifications[0]
	if n.UserID != bob.ID {
		t.Fatalf("notification should target the other participant, got %s", n.UserID)
	}
	if n.Kind != models.KindMessage {
		t.Fatalf("expected kind %s, got %s", models.KindMessage, n.Kind)
	}
	if n.RefID != msg.ID {
		t.Fatalf("expected ref %s, got %s", msg.ID, n.RefID)
	}
	if n.Title != "New message from alice" {
		t.Fatalf("unexpected title %q", n.Title)
	}
	if n.Body != msg.Content {
		t.Fatalf("expected preview %q, got %q", msg.Content, n.Body)
	}
}

func TestSendMessageMutedRecipientGetsNoNotification(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")
	conv := fake.seedConversation(alice, bob)
	conv.MutedBy = []uuid.UUID{bob.ID}
	msg := fake.seedMessage(conv, alice, "ping", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	sess.handleSendMessage(rawPayload(t, SendMessagePayload{Message: *msg}))

	if len(fake.notifications) != 0 {
		t.Fatalf("muted recipient should get no notification, got %d", len(fake.notifications))
	}
}

func TestSendMessageRejectsForeignSender(t *testing.T) {
	fake := newFakeDataStore()
	alice := sessionUser("alice")
	bob := sessionUser("bob")
	conv := fake.seedConversation(alice, bob)
	msg := fake.seedMessage(conv, bob, "bob's message", false)

	srv := newTestServer(fake)
	sess := newTestSession(t, srv, alice)

	observer := newFakeMember(t)
	srv.hub.Join(ConversationRoom(conv.ID), observer)

	sess.handleSendMessage(rawPayload(t, SendMessagePayload{Message: *msg}))

	if len(observer.received) != 0 {
		t.Fatal("another user's message must not be fanned out")
	}
	select {
	case data := <-sess.send:
		eventType, _ := decodeEnvelope(t, data)
		if eventType != EventError {
			t.Fatalf("expected %s, got %s", EventError, eventType)
		}
	default:
		t.Fatal("the sender should receive an error event")
	}
}
