package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fixmarket/casechat/internal/chat"
)

// RequestError is a failed REST call, surfaced per-call and never
// treated as fatal by the sync core.
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client talks to the marketplace message API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a REST client for the given API base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Messages fetches the full confirmed message set for a case, ordered
// by the server. This is the pull-transport snapshot.
func (c *Client) Messages(ctx context.Context, caseID chat.CaseID) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, "/messages/case/"+string(caseID), nil, &msgs)
	return msgs, err
}

type sendRequest struct {
	CaseID      chat.CaseID `json:"case_id"`
	Content     string      `json:"content"`
	ReceiverID  chat.UserID `json:"receiver_id"`
	ClientToken string      `json:"client_token,omitempty"`
}

// Send posts a new message over the durable channel. The returned
// message carries the authoritative id and created_at. token is the
// client correlation token echoed back by the server when supported.
func (c *Client) Send(ctx context.Context, caseID chat.CaseID, content string, receiverID chat.UserID, token string) (chat.Message, error) {
	var msg chat.Message
	body := sendRequest{CaseID: caseID, Content: content, ReceiverID: receiverID, ClientToken: token}
	err := c.do(ctx, http.MethodPost, "/messages", body, &msg)
	return msg, err
}

// MarkRead marks every message addressed to the caller in the case as
// read. Idempotent on the server.
func (c *Client) MarkRead(ctx context.Context, caseID chat.CaseID) error {
	return c.do(ctx, http.MethodPut, "/messages/read/"+string(caseID), nil, nil)
}

// UnreadCount returns the caller's total unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Partner is one user the caller has an open conversation with.
type Partner struct {
	UserID chat.UserID `json:"user_id"`
	Name   string      `json:"name"`
	CaseID chat.CaseID `json:"case_id"`
}

// Partners returns the caller's chat partners.
func (c *Client) Partners(ctx context.Context) ([]Partner, error) {
	var out []Partner
	err := c.do(ctx, http.MethodGet, "/messages/partners", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	url := c.baseURL + path

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &RequestError{Method: method, URL: url, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &RequestError{Method: method, URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Method: method, URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &RequestError{Method: method, URL: url, Status: resp.StatusCode, Body: string(excerpt)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Method: method, URL: url, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
