package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.Token = strings.TrimSpace(token)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetCursor(ctx context.Context) (CursorInfo, error) {
	var out CursorInfo
	err := c.getJSON(ctx, "/v2/cursor", &out)
	return out, err
}

func (c *Client) GetChanges(ctx context.Context, after int64, limit int) (ChangesPage, error) {
	values := url.Values{}
	values.Set("after", fmt.Sprintf("%d", after))
	if limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out ChangesPage
	err := c.getJSON(ctx, "/v2/changes?"+values.Encode(), &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, metadata string, agentState *string) (Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	err := c.postJSON(ctx, "/v2/sessions", map[string]any{"metadata": metadata, "agentState": agentState}, &out)
	return out.Session, err
}

func (c *Client) ListSessions(ctx context.Context, after string, limit int) ([]Session, error) {
	values := url.Values{}
	if after != "" {
		values.Set("after", after)
	}
	if limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/v2/sessions"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	err := c.getJSON(ctx, path, &out)
	return out.Sessions, err
}

// GetSession fetches one session. Older relays lack the single-resource
// route, so a 404 falls back to scanning the paginated list before giving
// up.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	err := c.getJSON(ctx, "/v2/sessions/"+url.PathEscape(id), &out)
	if err == nil {
		return out.Session, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return Session{}, err
	}
	after := ""
	for {
		page, listErr := c.ListSessions(ctx, after, 0)
		if listErr != nil {
			return Session{}, listErr
		}
		if len(page) == 0 {
			return Session{}, err
		}
		for _, sess := range page {
			if sess.ID == id {
				return sess, nil
			}
		}
		after = page[len(page)-1].ID
	}
}

// PatchSession is the combined CAS write. On conflict the returned error is
// a *VersionMismatchError carrying the current lanes.
func (c *Client) PatchSession(ctx context.Context, id string, metadata, agentState *Lane) (map[string]Lane, error) {
	body := map[string]any{}
	if metadata != nil {
		body["metadata"] = map[string]any{"value": metadata.Value, "expectedVersion": metadata.ExpectedVersion}
	}
	if agentState != nil {
		body["agentState"] = map[string]any{"value": agentState.Value, "expectedVersion": agentState.ExpectedVersion}
	}
	var out map[string]Lane
	err := c.doJSON(ctx, http.MethodPatch, "/v2/sessions/"+url.PathEscape(id), body, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v2/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListMessages(ctx context.Context, sessionID string, afterSeq, beforeSeq int64, limit int) ([]Message, error) {
	values := url.Values{}
	if afterSeq > 0 {
		values.Set("afterSeq", fmt.Sprintf("%d", afterSeq))
	}
	if beforeSeq > 0 {
		values.Set("beforeSeq", fmt.Sprintf("%d", beforeSeq))
	}
	if limit > 0 {
		values.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.getJSON(ctx, path, &out)
	return out.Messages, err
}

// PostMessage appends a message; a reused localID returns the original row.
func (c *Client) PostMessage(ctx context.Context, sessionID, ciphertext string, localID *string) (Message, error) {
	body := map[string]any{"message": ciphertext}
	if localID != nil {
		body["localId"] = *localID
	}
	var out struct {
		Message Message `json:"message"`
	}
	err := c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", body, &out)
	return out.Message, err
}

func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var out struct {
		Machines []Machine `json:"machines"`
	}
	err := c.getJSON(ctx, "/v2/machines", &out)
	return out.Machines, err
}

func (c *Client) CreateMachine(ctx context.Context, id, metadata string, daemonState *string) (Machine, error) {
	var out struct {
		Machine Machine `json:"machine"`
	}
	err := c.postJSON(ctx, "/v2/machines", map[string]any{"id": id, "metadata": metadata, "daemonState": daemonState}, &out)
	return out.Machine, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError turns an error response into its typed form where one exists.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error         string `json:"error"`
		CurrentCursor int64  `json:"currentCursor"`
		Metadata      *Lane  `json:"metadata"`
		AgentState    *Lane  `json:"agentState"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	switch resp.StatusCode {
	case http.StatusGone:
		return &CursorGoneError{CurrentCursor: payload.CurrentCursor}
	case http.StatusConflict:
		return &VersionMismatchError{Metadata: payload.Metadata, AgentState: payload.AgentState}
	case http.StatusNotFound:
		return &NotFoundError{Code: payload.Error}
	}
	return &APIError{Status: resp.StatusCode, Code: payload.Error}
}
