package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
	"github.com/worklane-hq/worklane-messaging/internal/models"
	"github.com/worklane-hq/worklane-messaging/internal/realtime"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

// fakeStore is an in-memory DataStore for handler tests.
type fakeStore struct {
	users         map[uuid.UUID]*models.User
	conversations map[uuid.UUID]*models.Conversation
	messages      map[string]*models.Message
	notifications []models.Notification
	seq           int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[uuid.UUID]*models.User),
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[string]*models.Message),
	}
}

func (f *fakeStore) Close()                         {}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], nil
}

func (f *fakeStore) GetUserByPublicKey(ctx context.Context, publicKey string) (*models.User, error) {
	for _, u := range f.users {
		if u.PublicKey == publicKey {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindOrCreateConversation(ctx context.Context, userA, userB uuid.UUID, jobID *uuid.UUID) (*models.Conversation, bool, error) {
	a, b := models.CanonicalPair(userA, userB)
	for _, c := range f.conversations {
		if c.ParticipantA != a || c.ParticipantB != b {
			continue
		}
		if (c.JobID == nil) != (jobID == nil) {
			continue
		}
		if jobID != nil && *c.JobID != *jobID {
			continue
		}
		return c, false, nil
	}
	conv := &models.Conversation{
		ID:           uuid.New(),
		ParticipantA: a,
		ParticipantB: b,
		JobID:        jobID,
		CreatedAt:    time.Now(),
	}
	f.conversations[conv.ID] = conv
	return conv, true, nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return f.conversations[id], nil
}

func (f *fakeStore) ListConversationsForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	for _, c := range f.conversations {
		if c.HasParticipant(userID) {
			out = append(out, models.ConversationSummary{Conversation: *c})
		}
	}
	return out, nil
}

func (f *fakeStore) TouchLastMessage(ctx context.Context, convID uuid.UUID, msg *models.Message) error {
	if c, ok := f.conversations[convID]; ok {
		c.LastMessageID = &msg.ID
		c.LastMessageAt = msg.CreatedAt
	}
	return nil
}

func (f *fakeStore) ToggleConversationFlag(ctx context.Context, convID, userID uuid.UUID, flag models.ConversationFlag) (bool, error) {
	c := f.conversations[convID]
	set := c.FlagSet(flag)
	for i, id := range set {
		if id == userID {
			set = append(set[:i], set[i+1:]...)
			f.setFlag(c, flag, set)
			return false, nil
		}
	}
	f.setFlag(c, flag, append(set, userID))
	return true, nil
}

func (f *fakeStore) setFlag(c *models.Conversation, flag models.ConversationFlag, set []uuid.UUID) {
	switch flag {
	case models.FlagPinned:
		c.PinnedBy = set
	case models.FlagArchived:
		c.ArchivedBy = set
	case models.FlagMuted:
		c.MutedBy = set
	}
}

func (f *fakeStore) ListPartnerIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, c := range f.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c.OtherParticipant(userID))
		}
	}
	return out, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, convID, senderID uuid.UUID, content string, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if _, ok := f.conversations[convID]; !ok {
		return nil, nil
	}
	if content == "" && len(attachments) == 0 {
		return nil, store.ErrEmptyMessage
	}
	f.seq++
	msg := &models.Message{
		ID:             fmt.Sprintf("msg-%d", f.seq),
		ConversationID: convID,
		Seq:            f.seq,
		SenderID:       senderID,
		Content:        content,
		Attachments:    attachments,
		ReplyTo:        replyTo,
		Reactions:      []models.Reaction{},
		CreatedAt:      time.Now(),
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return f.messages[id], nil
}

func (f *fakeStore) ListMessages(ctx context.Context, convID, requesterID uuid.UUID, page, pageSize int) ([]models.Message, []string, error) {
	var out []models.Message
	var readIDs []string
	for _, m := range f.messages {
		if m.ConversationID != convID {
			continue
		}
		if !m.IsRead && m.SenderID != requesterID {
			m.IsRead = true
			readIDs = append(readIDs, m.ID)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, readIDs, nil
}

func (f *fakeStore) MarkMessageRead(ctx context.Context, id string) error {
	if m, ok := f.messages[id]; ok {
		m.IsRead = true
	}
	return nil
}

func (f *fakeStore) MarkMessagesRead(ctx context.Context, convID, readerID uuid.UUID, ids []string) ([]string, error) {
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

func (f *fakeStore) EditMessage(ctx context.Context, id string, senderID uuid.UUID, content string) (*models.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, nil
	}
	if m.SenderID != senderID {
		return nil, store.ErrNotSender
	}
	m.Content = content
	m.Edited = true
	return m, nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, id string, senderID uuid.UUID) error {
	m, ok := f.messages[id]
	if !ok {
		return store.ErrMessageNotFound
	}
	if m.SenderID != senderID {
		return store.ErrNotSender
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) ToggleReaction(ctx context.Context, id string, senderID uuid.UUID, emoji string) ([]models.Reaction, error) {
	m := f.messages[id]
	for i, r := range m.Reactions {
		if r.UserID == senderID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return m.Reactions, nil
		}
	}
	m.Reactions = append(m.Reactions, models.Reaction{Emoji: emoji, UserID: senderID})
	return m.Reactions, nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	f.notifications = append(f.notifications, *n)
	return nil
}

func (f *fakeStore) ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	var out []models.Notification
	for _, n := range f.notifications {
		if n.UserID == userID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	for i := range f.notifications {
		if f.notifications[i].ID == id && f.notifications[i].UserID == userID {
			f.notifications[i].Read = true
		}
	}
	return nil
}

// fakeBroadcaster records hub broadcasts for inspection.
type fakeBroadcaster struct {
	events []broadcastEvent
}

type broadcastEvent struct {
	room    string
	event   string
	payload interface{}
}

func (b *fakeBroadcaster) Broadcast(room, eventType string, payload interface{}) {
	b.events = append(b.events, broadcastEvent{room: room, event: eventType, payload: payload})
}

func testUser(name string) *models.User {
	return &models.User{
		ID:          uuid.New(),
		Role:        models.RoleWorker,
		DisplayName: name,
		PublicKey:   "key-" + name,
		CreatedAt:   time.Now(),
	}
}

// authedRequest builds a request carrying an authenticated user and chi URL
// params, the way the router and auth middleware would.
func authedRequest(t *testing.T, method, target string, body []byte, user *models.User, params map[string]string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.UserContextKey, user)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	return req.WithContext(ctx)
}

func setup(t *testing.T) (*Handler, *fakeStore, *models.User, *models.User) {
	t.Helper()
	fake := newFakeStore()
	alice := testUser("alice")
	bob := testUser("bob")
	fake.users[alice.ID] = alice
	fake.users[bob.ID] = bob
	h := NewHandler(fake, nil, nil, nil, zerolog.Nop())
	return h, fake, alice, bob
}

func seedConversation(t *testing.T, fake *fakeStore, a, b *models.User) *models.Conversation {
	t.Helper()
	conv, _, err := fake.FindOrCreateConversation(context.Background(), a.ID, b.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestOpenConversationFindOrCreate(t *testing.T) {
	h, _, alice, bob := setup(t)

	body, _ := json.Marshal(OpenConversationRequest{ParticipantID: bob.ID.String()})
	rec := httptest.NewRecorder()
	h.OpenConversation(rec, authedRequest(t, "POST", "/conversations", body, alice, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first open, got %d: %s", rec.Code, rec.Body.String())
	}
	var first OpenConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if !first.Created {
		t.Fatal("first open should create")
	}

	// The same request from the other side finds the existing conversation.
	body, _ = json.Marshal(OpenConversationRequest{ParticipantID: alice.ID.String()})
	rec = httptest.NewRecorder()
	h.OpenConversation(rec, authedRequest(t, "POST", "/conversations", body, bob, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat open, got %d", rec.Code)
	}
	var second OpenConversationResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatal("repeat open should return the existing conversation")
	}
}

func TestOpenConversationJobScoped(t *testing.T) {
	h, _, alice, bob := setup(t)
	jobID := uuid.New().String()

	open := func(job string) OpenConversationResponse {
		body, _ := json.Marshal(OpenConversationRequest{ParticipantID: bob.ID.String(), JobID: job})
		rec := httptest.NewRecorder()
		h.OpenConversation(rec, authedRequest(t, "POST", "/conversations", body, alice, nil))
		var resp OpenConversationResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp
	}

	general := open("")
	scoped := open(jobID)
	if general.Conversation.ID == scoped.Conversation.ID {
		t.Fatal("job-scoped conversation should be distinct from the general one")
	}
	if !scoped.Created {
		t.Fatal("job-scoped open should create a new conversation")
	}
	if again := open(jobID); again.Created || again.Conversation.ID != scoped.Conversation.ID {
		t.Fatal("repeat job-scoped open should find the existing conversation")
	}
}

func TestOpenConversationWithSelfRejected(t *testing.T) {
	h, _, alice, _ := setup(t)

	body, _ := json.Marshal(OpenConversationRequest{ParticipantID: alice.ID.String()})
	rec := httptest.NewRecorder()
	h.OpenConversation(rec, authedRequest(t, "POST", "/conversations", body, alice, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOpenConversationUnknownPartner(t *testing.T) {
	h, _, alice, _ := setup(t)

	body, _ := json.Marshal(OpenConversationRequest{ParticipantID: uuid.New().String()})
	rec := httptest.NewRecorder()
	h.OpenConversation(rec, authedRequest(t, "POST", "/conversations", body, alice, nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListMessagesMarksReadAndBroadcastsReceipts(t *testing.T) {
	fake := newFakeStore()
	alice := testUser("alice")
	bob := testUser("bob")
	fake.users[alice.ID] = alice
	fake.users[bob.ID] = bob

	hub := &fakeBroadcaster{}
	h := NewHandler(fake, nil, hub, nil, zerolog.Nop())
	conv := seedConversation(t, fake, alice, bob)

	unread, _ := fake.AppendMessage(context.Background(), conv.ID, bob.ID, "for alice", nil, nil)
	own, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "from alice", nil, nil)
	seen, _ := fake.AppendMessage(context.Background(), conv.ID, bob.ID, "already seen", nil, nil)
	fake.messages[seen.ID].IsRead = true

	rec := httptest.NewRecorder()
	h.ListMessages(rec, authedRequest(t, "GET", "/conversations/"+conv.ID.String()+"/messages", nil, alice, map[string]string{"id": conv.ID.String()}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp MessageListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(resp.Messages))
	}
	for _, m := range resp.Messages {
		if m.ID == unread.ID && !m.IsRead {
			t.Fatal("fetching should return the other side's messages read-marked")
		}
	}
	if !fake.messages[unread.ID].IsRead {
		t.Fatal("fetching should persist the read mark")
	}
	if fake.messages[own.ID].IsRead {
		t.Fatal("the requester's own messages must not be marked")
	}

	// Exactly one receipt broadcast, carrying only the newly marked id.
	if len(hub.events) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.events))
	}
	ev := hub.events[0]
	if ev.room != realtime.ConversationRoom(conv.ID) || ev.event != realtime.EventMessageRead {
		t.Fatalf("unexpected broadcast %s to %s", ev.event, ev.room)
	}
	receipt, ok := ev.payload.(realtime.MessageReadPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", ev.payload)
	}
	if len(receipt.MessageIDs) != 1 || receipt.MessageIDs[0] != unread.ID {
		t.Fatalf("expected receipt for %s only, got %v", unread.ID, receipt.MessageIDs)
	}
	if receipt.ReaderID != alice.ID {
		t.Fatalf("expected reader %s, got %s", alice.ID, receipt.ReaderID)
	}

	// A second fetch marks nothing and broadcasts nothing new.
	rec = httptest.NewRecorder()
	h.ListMessages(rec, authedRequest(t, "GET", "/conversations/"+conv.ID.String()+"/messages", nil, alice, map[string]string{"id": conv.ID.String()}))
	if len(hub.events) != 1 {
		t.Fatalf("repeat fetch should not rebroadcast, got %d events", len(hub.events))
	}
}

func TestListMessagesNonParticipantGets404(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)

	mallory := testUser("mallory")
	fake.users[mallory.ID] = mallory

	rec := httptest.NewRecorder()
	h.ListMessages(rec, authedRequest(t, "GET", "/conversations/"+conv.ID.String()+"/messages", nil, mallory, map[string]string{"id": conv.ID.String()}))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("non-participant should get 404, got %d", rec.Code)
	}
}

func TestSendMessage(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String()}

	body, _ := json.Marshal(SendMessageRequest{Content: "hello bob"})
	rec := httptest.NewRecorder()
	h.SendMessage(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/messages", body, alice, params))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.SenderID != alice.ID || msg.Content != "hello bob" || msg.Seq != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if fake.conversations[conv.ID].LastMessageID == nil {
		t.Fatal("send should refresh the conversation preview")
	}
}

func TestSendMessageEmptyRejected(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String()}

	// Whitespace-only content sanitizes down to empty.
	body, _ := json.Marshal(SendMessageRequest{Content: "   \n\t  "})
	rec := httptest.NewRecorder()
	h.SendMessage(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/messages", body, alice, params))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

func TestSendMessageTooLongRejected(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String()}

	body, _ := json.Marshal(SendMessageRequest{Content: strings.Repeat("x", maxContentLength+1)})
	rec := httptest.NewRecorder()
	h.SendMessage(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/messages", body, alice, params))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for oversized content, got %d", rec.Code)
	}
}

func TestSendAttachmentOnlyMessage(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String()}

	body, _ := json.Marshal(SendMessageRequest{Attachments: []models.Attachment{
		{Filename: "cv.pdf", Path: "uploads/cv.pdf", MimeType: "application/pdf", Size: 1024},
	}})
	rec := httptest.NewRecorder()
	h.SendMessage(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/messages", body, alice, params))

	if rec.Code != http.StatusCreated {
		t.Fatalf("attachment-only message should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEditMessageSenderOnly(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	msg, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "original", nil, nil)

	body, _ := json.Marshal(EditMessageRequest{Content: "rewritten"})
	rec := httptest.NewRecorder()
	h.EditMessage(rec, authedRequest(t, "PUT", "/messages/"+msg.ID, body, bob, map[string]string{"id": msg.ID}))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-sender edit should be 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.EditMessage(rec, authedRequest(t, "PUT", "/messages/"+msg.ID, body, alice, map[string]string{"id": msg.ID}))

	if rec.Code != http.StatusOK {
		t.Fatalf("sender edit should succeed, got %d", rec.Code)
	}
	var edited models.Message
	json.Unmarshal(rec.Body.Bytes(), &edited)
	if edited.Content != "rewritten" || !edited.Edited {
		t.Fatalf("unexpected edit result %+v", edited)
	}
}

func TestEditMissingMessage(t *testing.T) {
	h, _, alice, _ := setup(t)

	body, _ := json.Marshal(EditMessageRequest{Content: "anything"})
	rec := httptest.NewRecorder()
	h.EditMessage(rec, authedRequest(t, "PUT", "/messages/nope", body, alice, map[string]string{"id": "nope"}))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	msg, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "delete me", nil, nil)

	rec := httptest.NewRecorder()
	h.DeleteMessage(rec, authedRequest(t, "DELETE", "/messages/"+msg.ID, nil, bob, map[string]string{"id": msg.ID}))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-sender delete should be 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.DeleteMessage(rec, authedRequest(t, "DELETE", "/messages/"+msg.ID, nil, alice, map[string]string{"id": msg.ID}))

	if rec.Code != http.StatusOK {
		t.Fatalf("sender delete should succeed, got %d", rec.Code)
	}
	if fake.messages[msg.ID] != nil {
		t.Fatal("message should be gone")
	}
}

func TestToggleReactionOnOff(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	msg, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "react to me", nil, nil)
	params := map[string]string{"id": msg.ID}

	body, _ := json.Marshal(ToggleReactionRequest{Emoji: "👍"})

	rec := httptest.NewRecorder()
	h.ToggleReaction(rec, authedRequest(t, "POST", "/messages/"+msg.ID+"/reactions", body, bob, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ReactionListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Reactions) != 1 || resp.Reactions[0].UserID != bob.ID {
		t.Fatalf("expected bob's reaction, got %+v", resp.Reactions)
	}

	// Same request again removes it.
	rec = httptest.NewRecorder()
	h.ToggleReaction(rec, authedRequest(t, "POST", "/messages/"+msg.ID+"/reactions", body, bob, params))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Reactions) != 0 {
		t.Fatalf("second toggle should remove the reaction, got %+v", resp.Reactions)
	}
}

func TestMarkOwnMessageReadRejected(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	msg, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "mine", nil, nil)

	rec := httptest.NewRecorder()
	h.MarkMessageRead(rec, authedRequest(t, "POST", "/messages/"+msg.ID+"/read", nil, alice, map[string]string{"id": msg.ID}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("marking own message read should be 400, got %d", rec.Code)
	}
}

func TestMarkMessageReadIdempotent(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	msg, _ := fake.AppendMessage(context.Background(), conv.ID, alice.ID, "unread", nil, nil)
	params := map[string]string{"id": msg.ID}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.MarkMessageRead(rec, authedRequest(t, "POST", "/messages/"+msg.ID+"/read", nil, bob, params))
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if !fake.messages[msg.ID].IsRead {
		t.Fatal("message should be read")
	}
}

func TestToggleConversationFlag(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String(), "flag": "pinned"}

	rec := httptest.NewRecorder()
	h.ToggleConversationFlag(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/flags/pinned", nil, alice, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ToggleFlagResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Set || resp.Flag != "pinned" {
		t.Fatalf("expected pinned set, got %+v", resp)
	}
	if !fake.conversations[conv.ID].FlaggedBy(models.FlagPinned, alice.ID) {
		t.Fatal("alice should have the conversation pinned")
	}
	if fake.conversations[conv.ID].FlaggedBy(models.FlagPinned, bob.ID) {
		t.Fatal("flags are per user; bob's view is untouched")
	}

	// Toggle off.
	rec = httptest.NewRecorder()
	h.ToggleConversationFlag(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/flags/pinned", nil, alice, params))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Set {
		t.Fatal("second toggle should clear the flag")
	}
}

func TestToggleUnknownFlagRejected(t *testing.T) {
	h, fake, alice, bob := setup(t)
	conv := seedConversation(t, fake, alice, bob)
	params := map[string]string{"id": conv.ID.String(), "flag": "starred"}

	rec := httptest.NewRecorder()
	h.ToggleConversationFlag(rec, authedRequest(t, "POST", "/conversations/"+conv.ID.String()+"/flags/starred", nil, alice, params))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown flag should be 400, got %d", rec.Code)
	}
}

func TestNotificationsOwnerScoped(t *testing.T) {
	h, fake, alice, bob := setup(t)

	n := models.Notification{ID: uuid.New(), UserID: bob.ID, Kind: models.KindMessage, Title: "New message from alice"}
	fake.CreateNotification(context.Background(), &n)

	rec := httptest.NewRecorder()
	h.ListNotifications(rec, authedRequest(t, "GET", "/notifications", nil, alice, nil))
	var resp NotificationListResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Notifications) != 0 {
		t.Fatal("alice should not see bob's notifications")
	}

	rec = httptest.NewRecorder()
	h.ListNotifications(rec, authedRequest(t, "GET", "/notifications", nil, bob, nil))
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Notifications) != 1 {
		t.Fatalf("bob should see his notification, got %d", len(resp.Notifications))
	}

	// Reading someone else's notification id is a no-op.
	rec = httptest.NewRecorder()
	h.MarkNotificationRead(rec, authedRequest(t, "POST", "/notifications/"+n.ID.String()+"/read", nil, alice, map[string]string{"id": n.ID.String()}))
	if fake.notifications[0].Read {
		t.Fatal("alice must not mark bob's notification read")
	}

	rec = httptest.NewRecorder()
	h.MarkNotificationRead(rec, authedRequest(t, "POST", "/notifications/"+n.ID.String()+"/read", nil, bob, map[string]string{"id": n.ID.String()}))
	if !fake.notifications[0].Read {
		t.Fatal("bob should be able to mark his notification read")
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	h, _, _, _ := setup(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/conversations", nil)
	h.ListConversations(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a user in context, got %d", rec.Code)
	}
}
