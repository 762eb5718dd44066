package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// restAPI is the conversation service consumed over HTTP. Narrow on purpose
// so tests can substitute a fake.
type restAPI interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID int64) ([]Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
	PostMessage(ctx context.Context, conversationID int64, content, clientMessageID string) (*Message, error)
}

type restClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	mu    sync.RWMutex
	token string
}

func newRestClient(cfg Config) *restClient {
	return &restClient{
		baseURL: cfg.RESTBaseURL,
		client:  cfg.HTTPClient,
		timeout: cfg.RequestTimeout,
	}
}

func (c *restClient) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *restClient) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return out, nil
}

func (c *restClient) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	var out []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("load messages for conversation %d: %w", conversationID, err)
	}
	return out, nil
}

func (c *restClient) MarkRead(ctx context.Context, conversationID int64) error {
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages/read"
	if err := c.do(ctx, http.MethodPut, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("mark conversation %d read: %w", conversationID, err)
	}
	return nil
}

func (c *restClient) PostMessage(ctx context.Context, conversationID int64, content, clientMessageID string) (*Message, error) {
	body := struct {
		ConversationID  int64  `json:"conversationId"`
		Content         string `json:"content"`
		ClientMessageID string `json:"clientMessageId,omitempty"`
	}{conversationID, content, clientMessageID}
	var out Message
	if err := c.do(ctx, http.MethodPost, "/conversations/messages", body, &out); err != nil {
		return nil, fmt.Errorf("post message to conversation %d: %w", conversationID, err)
	}
	return &out, nil
}

func (c *restClient) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
