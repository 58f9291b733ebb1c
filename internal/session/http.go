package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx response from the collaborator server.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	Wait       time.Duration // parsed Retry-After header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

// RetryAfter returns the server-suggested delay before retrying (0 if none).
func (e *StatusError) RetryAfter() time.Duration { return e.Wait }

// Temporary reports whether retrying the same call may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPClient talks to a session server over JSON/HTTP:
//
//	POST /session                      {"parent_id","title"} -> {"id"}
//	POST /session/{id}/prompt          {"agent","model","parts","tools"}
//	GET  /session/{id}/message         -> [{"info":{...},"parts":[...]}]
//	POST /session/{id}/message         {"parts","no_reply":true}
//	POST /session/{id}/abort
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("collaborator base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("collaborator base url: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{base: u, hc: &http.Client{Timeout: timeout}}, nil
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
}

type wireMessage struct {
	Info struct {
		ID   string `json:"id"`
		Role string `json:"role"`
		Time struct {
			Created int64 `json:"created"` // unix millis
		} `json:"time"`
	} `json:"info"`
	Parts []wirePart `json:"parts"`
}

func (c *HTTPClient) CreateSession(ctx context.Context, parentID, title string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "create session", http.MethodPost, "/session", map[string]string{"parent_id": parentID, "title": title}, &out)
	if err != nil {
		return "", &SessionCreateError{ParentID: parentID, Message: "request failed", Err: err}
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &SessionCreateError{ParentID: parentID, Message: "server returned empty session id"}
	}
	return out.ID, nil
}

func (c *HTTPClient) SendPrompt(ctx context.Context, sessionID string, p Prompt) error {
	tools := make(map[string]bool, len(p.DisabledTools))
	for _, t := range p.DisabledTools {
		tools[t] = false
	}
	body := map[string]any{
		"agent": p.Agent,
		"parts": []wirePart{{Type: string(PartText), Text: p.Text}},
		"tools": tools,
	}
	if p.Model != "" {
		body["model"] = p.Model
	}
	return c.do(ctx, "send prompt", http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt", body, nil)
}

func (c *HTTPClient) FetchMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var wire []wireMessage
	if err := c.do(ctx, "fetch messages", http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		m := Message{ID: w.Info.ID, Role: Role(w.Info.Role)}
		if w.Info.Time.Created > 0 {
			m.CreatedAt = time.UnixMilli(w.Info.Time.Created)
		}
		for _, p := range w.Parts {
			kind := PartOther
			switch p.Type {
			case "text":
				kind = PartText
			case "tool", "tool-invocation":
				kind = PartToolCall
			}
			m.Parts = append(m.Parts, Part{Kind: kind, Text: p.Text, Tool: p.Tool})
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *HTTPClient) InjectMessage(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"parts":    []wirePart{{Type: string(PartText), Text: text}},
		"no_reply": true,
	}
	return c.do(ctx, "inject message", http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, nil)
}

func (c *HTTPClient) AbortSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "abort session", http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		se := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.Wait = time.Duration(secs) * time.Second
		}
		return se
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
