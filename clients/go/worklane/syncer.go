package worklane

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// typingTimeout is how long a partner's typing indicator survives without a
// follow-up typing event. Expiry runs on the receiver so a peer that
// disconnects mid-typing never leaves a stuck indicator.
const typingTimeout = 5 * time.Second

// sendRetryBase is the delay before the single send retry, plus jitter.
const sendRetryBase = 300 * time.Millisecond

// SyncerCallbacks notify the embedding application of state changes. All
// callbacks run with the syncer's internal lock released and may call back
// into the syncer. Nil callbacks are skipped.
type SyncerCallbacks struct {
	OnConversationsChanged func([]ConversationSummary)
	OnMessagesChanged      func([]Message)
	OnTypingChanged        func(userIDs []string)
	OnPresenceChanged      func(userID string, online bool)
	OnNotification         func(Notification)
	OnSendFailed           func(tmpID string, err error)
}

// Syncer merges REST fetches, optimistic local actions and realtime events
// into one consistent client-side view: the conversation list, the open
// conversation's messages, typing indicators, presence and unread counts.
//
// A Syncer is an owned instance: create one per logged-in session and Close
// it on teardown. All state changes after Close are no-ops.
type Syncer struct {
	client *Client
	rt     *RealtimeClient
	cb     SyncerCallbacks

	mu            sync.Mutex
	closed        bool
	conversations []ConversationSummary
	openID        string
	messages      []Message
	typing        map[string]*time.Timer
	typingTTL     time.Duration
	online        map[string]bool
	tmpCounter    int
	pageSize      int
}

// NewSyncer creates a syncer over the given REST and realtime clients and
// registers its event handlers.
func NewSyncer(client *Client, rt *RealtimeClient, cb SyncerCallbacks) *Syncer {
	s := &Syncer{
		client:    client,
		rt:        rt,
		cb:        cb,
		typing:    make(map[string]*time.Timer),
		typingTTL: typingTimeout,
		online:    make(map[string]bool),
		pageSize:  50,
	}

	rt.OnNewMessage(s.handleNewMessage)
	rt.OnConversationUpdated(s.handleConversationUpdated)
	rt.OnTyping(s.handleTyping)
	rt.OnPresence(s.handlePresence)
	rt.OnMessageRead(s.handleMessageRead)
	rt.OnReaction(s.handleReaction)
	rt.OnMessageUpdated(s.handleMessageUpdated)
	rt.OnMessageDeleted(s.handleMessageDeleted)
	rt.OnNotification(s.handleNotification)
	rt.OnConnected(s.handleConnected)

	return s
}

// Start connects the realtime channel and performs the initial sync. The
// conversation list and presence snapshot are fetched over REST; everything
// after that arrives as events.
func (s *Syncer) Start(ctx context.Context) error {
	if err := s.rt.Connect(ctx); err != nil {
		return err
	}
	return s.refreshConversations()
}

// Close tears the syncer down. Results of in-flight sends and fetches
// arriving after Close are dropped.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, t := range s.typing {
		t.Stop()
		delete(s.typing, id)
	}
	s.mu.Unlock()

	return s.rt.Disconnect()
}

// Conversations returns a copy of the sorted conversation list.
func (s *Syncer) Conversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationSummary(nil), s.conversations...)
}

// Messages returns a copy of the open conversation's messages, oldest-first.
func (s *Syncer) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// TypingUsers returns who is currently typing in the open conversation.
func (s *Syncer) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked()
}

// Online reports whether a conversation partner is currently online.
func (s *Syncer) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// OpenConversationID returns the id of the open conversation, if any.
func (s *Syncer) OpenConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openID
}

// Open makes a conversation the active one: joins its room, fetches its
// first page of messages and zeroes its unread count. The server marks the
// other side's messages read as part of the fetch.
func (s *Syncer) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("syncer is closed")
	}
	previous := s.openID
	s.openID = conversationID
	s.messages = nil
	s.clearTypingLocked()
	s.mu.Unlock()

	if previous != "" && previous != conversationID {
		_ = s.rt.LeaveConversation(ctx, previous)
	}
	if err := s.rt.JoinConversation(ctx, conversationID); err != nil {
		return err
	}

	resp, err := s.client.GetMessages(conversationID, 1, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.openID != conversationID {
		s.mu.Unlock()
		return nil
	}
	s.messages = resp.Messages
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			s.conversations[i].UnreadCount = 0
		}
	}
	s.mu.Unlock()

	s.notifyMessages()
	s.notifyConversations()
	return nil
}

// CloseConversation leaves the active conversation's room and clears its
// local state.
func (s *Syncer) CloseConversation(ctx context.Context) {
	s.mu.Lock()
	open := s.openID
	s.openID = ""
	s.messages = nil
	s.clearTypingLocked()
	s.mu.Unlock()

	if open != "" {
		_ = s.rt.LeaveConversation(ctx, open)
	}
}

// Send performs an optimistic send: the message appears immediately with a
// temporary id, then is confirmed in place once the server accepts it, or
// removed with OnSendFailed if the send ultimately fails. Returns the
// temporary id. Empty messages are rejected before touching the network.
func (s *Syncer) Send(ctx context.Context, content string, attachments []Attachment, replyTo string) (string, error) {
	if content == "" && len(attachments) == 0 {
		return "", fmt.Errorf("message requires content or attachments")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("syncer is closed")
	}
	if s.openID == "" {
		s.mu.Unlock()
		return "", fmt.Errorf("no open conversation")
	}
	convID := s.openID
	s.tmpCounter++
	tmpID := fmt.Sprintf("tmp-%d", s.tmpCounter)

	pending := Message{
		ID:             tmpID,
		ConversationID: convID,
		SenderID:       s.client.UserID,
		Content:        content,
		Attachments:    attachments,
		ReplyTo:        replyTo,
		Reactions:      []Reaction{},
		CreatedAt:      time.Now(),
		Pending:        true,
	}
	s.messages = append(s.messages, pending)
	s.mu.Unlock()

	s.notifyMessages()

	go s.deliver(ctx, convID, tmpID, content, attachments, replyTo)

	return tmpID, nil
}

// deliver runs the network half of a send: one attempt plus one jittered
// retry, then confirm or fail.
func (s *Syncer) deliver(ctx context.Context, convID, tmpID, content string, attachments []Attachment, replyTo string) {
	msg, err := s.client.SendMessage(convID, content, attachments, replyTo)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status < 500 {
			// The server rejected the message; retrying cannot help.
			s.failSend(tmpID, err)
			return
		}
		time.Sleep(sendRetryBase + time.Duration(rand.Int63n(int64(sendRetryBase))))
		msg, err = s.client.SendMessage(convID, content, attachments, replyTo)
		if err != nil {
			s.failSend(tmpID, err)
			return
		}
	}

	s.confirmSend(tmpID, *msg)

	// Fan the confirmed message out; the server resolves the recipient from
	// the conversation, so this works on first contact before the local list
	// knows the thread. Best effort: if the socket is down the recipient
	// picks the message up on their next fetch.
	_ = s.rt.FanOutMessage(ctx, *msg)
}

// confirmSend replaces the pending entry with the server's message. If the
// fan-out echo arrived first the final id is already present and the pending
// entry is dropped instead, keeping exactly one entry per message.
func (s *Syncer) confirmSend(tmpID string, msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	echoed := false
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			echoed = true
			break
		}
	}

	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID == tmpID {
			if echoed {
				continue
			}
			kept = append(kept, msg)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.touchConversationLocked(msg)
	s.mu.Unlock()

	s.notifyMessages()
	s.notifyConversations()
}

func (s *Syncer) failSend(tmpID string, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != tmpID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.mu.Unlock()

	s.notifyMessages()
	if s.cb.OnSendFailed != nil {
		s.cb.OnSendFailed(tmpID, err)
	}
}

// MarkOpenRead sends read receipts for the open conversation's unread
// messages from the other side.
func (s *Syncer) MarkOpenRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.openID == "" {
		s.mu.Unlock()
		return nil
	}
	convID := s.openID
	var unread []string
	for i := range s.messages {
		m := &s.messages[i]
		if !m.IsRead && !m.Pending && m.SenderID != s.client.UserID {
			unread = append(unread, m.ID)
		}
	}
	s.mu.Unlock()

	if len(unread) == 0 {
		return nil
	}
	return s.rt.MarkRead(ctx, convID, unread)
}

// handleNewMessage applies a message broadcast to the open conversation.
// Dedup by final id: the echo of this client's own fan-out, or a REST
// refetch racing the event, must not produce a second entry.
func (s *Syncer) handleNewMessage(msg Message) {
	s.mu.Lock()
	if s.closed || msg.ConversationID != s.openID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.mu.Unlock()
			return
		}
	}
	s.messages = append(s.messages, msg)
	s.sortMessagesLocked()
	s.touchConversationLocked(msg)
	s.mu.Unlock()

	s.notifyMessages()
	s.notifyConversations()
}

// handleConversationUpdated refreshes a list preview. Unread bookkeeping
// happens here: a message from someone else in a conversation that is not
// open increments that conversation's counter.
func (s *Syncer) handleConversationUpdated(ev ConversationUpdatedEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	found := false
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID != ev.ConversationID {
			continue
		}
		found = true
		if ev.LastMessage != nil {
			c.LastMessage = ev.LastMessage
			c.LastMessageID = ev.LastMessage.ID
			c.LastMessageAt = ev.LastMessage.CreatedAt
			if ev.ConversationID != s.openID && ev.LastMessage.SenderID != s.client.UserID {
				c.UnreadCount++
			}
		}
		break
	}
	s.sortConversationsLocked()
	s.mu.Unlock()

	if !found {
		// First contact: the conversation does not exist locally yet.
		go s.refreshConversationsIfOpen()
		return
	}
	s.notifyConversations()
}

func (s *Syncer) handleTyping(ev TypingEvent, typing bool) {
	s.mu.Lock()
	if s.closed || ev.ConversationID != s.openID || ev.UserID == s.client.UserID {
		s.mu.Unlock()
		return
	}

	if t, ok := s.typing[ev.UserID]; ok {
		t.Stop()
		delete(s.typing, ev.UserID)
	}
	if typing {
		userID := ev.UserID
		s.typing[userID] = time.AfterFunc(s.typingTTL, func() {
			s.expireTyping(userID)
		})
	}
	users := s.typingLocked()
	s.mu.Unlock()

	s.notifyTyping(users)
}

func (s *Syncer) expireTyping(userID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.typing[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.typing, userID)
	users := s.typingLocked()
	s.mu.Unlock()

	s.notifyTyping(users)
}

func (s *Syncer) handlePresence(ev PresenceEvent, online bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if online {
		s.online[ev.UserID] = true
	} else {
		delete(s.online, ev.UserID)
	}
	s.mu.Unlock()

	if s.cb.OnPresenceChanged != nil {
		s.cb.OnPresenceChanged(ev.UserID, online)
	}
}

// handleMessageRead marks messages read in place. Receipts are idempotent;
// a receipt for an already-read message changes nothing.
func (s *Syncer) handleMessageRead(ev MessageReadEvent) {
	s.mu.Lock()
	if s.closed || ev.ConversationID != s.openID {
		s.mu.Unlock()
		return
	}
	ids := make(map[string]bool, len(ev.MessageIDs))
	for _, id := range ev.MessageIDs {
		ids[id] = true
	}
	now := time.Now()
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if ids[m.ID] && !m.IsRead {
			m.IsRead = true
			m.ReadAt = &now
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyMessages()
	}
}

// handleReaction replaces a message's reaction list wholesale; the event
// carries the full list, not a delta.
func (s *Syncer) handleReaction(ev ReactionEvent) {
	s.mu.Lock()
	if s.closed || ev.ConversationID != s.openID {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		if s.messages[i].ID == ev.MessageID {
			s.messages[i].Reactions = ev.Reactions
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyMessages()
	}
}

// handleMessageUpdated swaps an edited message in place; the log order is
// untouched because ordering keys never change on edit.
func (s *Syncer) handleMessageUpdated(msg Message) {
	s.mu.Lock()
	if s.closed || msg.ConversationID != s.openID {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			changed = true
			break
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyMessages()
	}
}

func (s *Syncer) handleMessageDeleted(ev MessageDeletedEvent) {
	s.mu.Lock()
	if s.closed || ev.ConversationID != s.openID {
		s.mu.Unlock()
		return
	}
	kept := s.messages[:0]
	changed := false
	for _, m := range s.messages {
		if m.ID == ev.MessageID {
			changed = true
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.mu.Unlock()

	if changed {
		s.notifyMessages()
	}
}

func (s *Syncer) handleNotification(n Notification) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if s.cb.OnNotification != nil {
		s.cb.OnNotification(n)
	}
}

// handleConnected runs on every (re)connect. There is no gap-recovery
// protocol: the refetch is the recovery.
func (s *Syncer) handleConnected() {
	go func() {
		_ = s.refreshConversations()

		s.mu.Lock()
		open := s.openID
		closed := s.closed
		s.mu.Unlock()
		if closed || open == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Open(ctx, open)
	}()
}

// refreshConversations refetches the list and the presence snapshot.
func (s *Syncer) refreshConversations() error {
	resp, err := s.client.ListConversations()
	if err != nil {
		return err
	}
	presence, err := s.client.Presence()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.conversations = resp.Conversations
	s.sortConversationsLocked()
	s.online = make(map[string]bool, len(presence.Online))
	for _, id := range presence.Online {
		s.online[id] = true
	}
	s.mu.Unlock()

	s.notifyConversations()
	return nil
}

func (s *Syncer) refreshConversationsIfOpen() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		_ = s.refreshConversations()
	}
}

// sortConversationsLocked orders the list: pinned (by this user) first, then
// most recent activity, with the conversation id breaking exact-timestamp
// ties so the order is deterministic.
func (s *Syncer) sortConversationsLocked() {
	userID := s.client.UserID
	sort.SliceStable(s.conversations, func(i, j int) bool {
		a, b := &s.conversations[i], &s.conversations[j]
		ap, bp := a.PinnedByUser(userID), b.PinnedByUser(userID)
		if ap != bp {
			return ap
		}
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
}

// sortMessagesLocked restores log order after an out-of-order arrival.
// Confirmed messages order by (seq); pending ones stay at the tail in local
// insertion order until the server assigns them a seq.
func (s *Syncer) sortMessagesLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		a, b := &s.messages[i], &s.messages[j]
		if a.Pending != b.Pending {
			return !a.Pending
		}
		if a.Pending {
			return false
		}
		return a.Seq < b.Seq
	})
}

// touchConversationLocked refreshes the list preview after a message lands
// in the open conversation.
func (s *Syncer) touchConversationLocked(msg Message) {
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID == msg.ConversationID {
			m := msg
			c.LastMessage = &m
			c.LastMessageID = m.ID
			c.LastMessageAt = m.CreatedAt
			break
		}
	}
	s.sortConversationsLocked()
}

func (s *Syncer) typingLocked() []string {
	users := make([]string, 0, len(s.typing))
	for id := range s.typing {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (s *Syncer) clearTypingLocked() {
	for id, t := range s.typing {
		t.Stop()
		delete(s.typing, id)
	}
}

func (s *Syncer) notifyConversations() {
	if s.cb.OnConversationsChanged == nil {
		return
	}
	s.cb.OnConversationsChanged(s.Conversations())
}

func (s *Syncer) notifyMessages() {
	if s.cb.OnMessagesChanged == nil {
		return
	}
	s.cb.OnMessagesChanged(s.Messages())
}

func (s *Syncer) notifyTyping(users []string) {
	if s.cb.OnTypingChanged == nil {
		return
	}
	s.cb.OnTypingChanged(users)
}
