// Package worklane provides a client for the Worklane messaging API.
package worklane

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Client is a Worklane messaging API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	UserID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Config holds user credentials.
type Config struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

// NewClient creates a new client, loading credentials from the config dir if
// present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://messaging.worklane.dev"
	}

	configDir := os.Getenv("WORKLANE_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".worklane")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads user credentials from disk.
func (c *Client) LoadConfig() error {
	configFile := filepath.Join(c.ConfigDir, "user.json")
	keyFile := filepath.Join(c.ConfigDir, "private.key")

	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}

	privBytes, err := base64.StdEncoding.DecodeString(string(keyData))
	if err != nil {
		return err
	}

	c.UserID = config.ID
	c.PrivateKey = ed25519.NewKeyFromSeed(privBytes)
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)

	return nil
}

// SaveConfig saves user credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:        c.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "user.json"), data, 0600); err != nil {
		return err
	}

	seed := c.PrivateKey.Seed()
	keyData := base64.StdEncoding.EncodeToString(seed)
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

func newNonce() string {
	nonceBytes := make([]byte, 12) // 24 hex chars for adequate entropy
	rand.Read(nonceBytes)
	return hex.EncodeToString(nonceBytes)
}

// signRequest creates authentication headers for a request.
func (c *Client) signRequest(body []byte) http.Header {
	hash := sha256.Sum256(body)
	hashHex := hex.EncodeToString(hash[:])

	nonce := newNonce()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := fmt.Sprintf("%s|%s|%s", hashHex, nonce, timestamp)
	sig := ed25519.Sign(c.PrivateKey, []byte(payload))

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Worklane-User", c.UserID)
	headers.Set("X-Worklane-Nonce", nonce)
	headers.Set("X-Worklane-Timestamp", timestamp)
	headers.Set("X-Worklane-Signature", base64.StdEncoding.EncodeToString(sig))
	return headers
}

// handshakeQuery builds the signed query string for the websocket endpoint.
func (c *Client) handshakeQuery() string {
	nonce := newNonce()
	ts := time.Now().UnixMilli()

	payload := fmt.Sprintf("ws|%s|%d", nonce, ts)
	sig := ed25519.Sign(c.PrivateKey, []byte(payload))

	q := url.Values{}
	q.Set("user", c.UserID)
	q.Set("nonce", nonce)
	q.Set("ts", strconv.FormatInt(ts, 10))
	q.Set("sig", base64.StdEncoding.EncodeToString(sig))
	return q.Encode()
}

// doRequest performs a signed HTTP request.
func (c *Client) doRequest(method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header = c.signRequest(body)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worklane error %d: %s", e.Status, e.Message)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. Public endpoint, no signature required.
func (c *Client) Health() (*HealthResponse, error) {
	httpResp, err := c.HTTPClient.Get(c.BaseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConversationListResponse is the response from listing conversations.
type ConversationListResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// ListConversations lists the user's conversations, annotated.
func (c *Client) ListConversations() (*ConversationListResponse, error) {
	respBody, err := c.doRequest("GET", "/conversations", nil)
	if err != nil {
		return nil, err
	}

	var resp ConversationListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenConversationRequest is the request body for find-or-create.
type OpenConversationRequest struct {
	ParticipantID string `json:"participant_id"`
	JobID         string `json:"job_id,omitempty"`
}

// OpenConversationResponse is the response from find-or-create.
type OpenConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

// OpenConversation finds or creates a conversation with another user,
// optionally scoped to a job.
func (c *Client) OpenConversation(participantID, jobID string) (*OpenConversationResponse, error) {
	req := OpenConversationRequest{ParticipantID: participantID, JobID: jobID}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest("POST", "/conversations", body)
	if err != nil {
		return nil, err
	}

	var resp OpenConversationResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MessageListResponse is one page of a conversation's messages, oldest-first.
type MessageListResponse struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// GetMessages retrieves one page of a conversation's messages. Fetching also
// marks the other side's messages read on the server.
func (c *Client) GetMessages(conversationID string, page, pageSize int) (*MessageListResponse, error) {
	path := fmt.Sprintf("/conversations/%s/messages?page=%d&page_size=%d", conversationID, page, pageSize)

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp MessageListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
}

// SendMessage appends a message to a conversation.
func (c *Client) SendMessage(conversationID, content string, attachments []Attachment, replyTo string) (*Message, error) {
	req := SendMessageRequest{Content: content, Attachments: attachments, ReplyTo: replyTo}
	body, _ := json.Marshal(req)

	respBody, err := c.doRequest("POST", "/conversations/"+conversationID+"/messages", body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage updates a message's content. Sender-only.
func (c *Client) EditMessage(messageID, content string) (*Message, error) {
	body, _ := json.Marshal(map[string]string{"content": content})

	respBody, err := c.doRequest("PUT", "/messages/"+messageID, body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message. Sender-only.
func (c *Client) DeleteMessage(messageID string) error {
	_, err := c.doRequest("DELETE", "/messages/"+messageID, nil)
	return err
}

// ReactionListResponse carries the full reaction list after a toggle.
type ReactionListResponse struct {
	Reactions []Reaction `json:"reactions"`
}

// ToggleReaction adds or removes the user's emoji reaction on a message.
func (c *Client) ToggleReaction(messageID, emoji string) (*ReactionListResponse, error) {
	body, _ := json.Marshal(map[string]string{"emoji": emoji})

	respBody, err := c.doRequest("POST", "/messages/"+messageID+"/reactions", body)
	if err != nil {
		return nil, err
	}

	var resp ReactionListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkMessageRead marks a single message read.
func (c *Client) MarkMessageRead(messageID string) error {
	_, err := c.doRequest("POST", "/messages/"+messageID+"/read", nil)
	return err
}

// ToggleFlagResponse reports a conversation flag's state after a toggle.
type ToggleFlagResponse struct {
	Flag string `json:"flag"`
	Set  bool   `json:"set"`
}

// ToggleConversationFlag toggles pinned, archived or muted on a conversation.
func (c *Client) ToggleConversationFlag(conversationID, flag string) (*ToggleFlagResponse, error) {
	respBody, err := c.doRequest("POST", "/conversations/"+conversationID+"/flags/"+flag, nil)
	if err != nil {
		return nil, err
	}

	var resp ToggleFlagResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotificationListResponse is the response from listing notifications.
type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
}

// ListNotifications lists the user's notifications, newest-first.
func (c *Client) ListNotifications(limit int) (*NotificationListResponse, error) {
	path := "/notifications"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	respBody, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp NotificationListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(notificationID string) error {
	_, err := c.doRequest("POST", "/notifications/"+notificationID+"/read", nil)
	return err
}

// PresenceResponse lists the user's conversation partners currently online.
type PresenceResponse struct {
	Online []string `json:"online"`
}

// Presence returns which of the user's conversation partners are online.
func (c *Client) Presence() (*PresenceResponse, error) {
	respBody, err := c.doRequest("GET", "/presence", nil)
	if err != nil {
		return nil, err
	}

	var resp PresenceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
