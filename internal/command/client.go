// Package command submits chat messages, notifications and tasks to the gateway over
// plain HTTP. It never touches the streaming session; results come back as events.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/danmuck/flowlearn/internal/observability"
	"github.com/rs/zerolog/log"
)

// Gateway endpoints, relative to the base URL.
const (
	EndpointChat         = "/api/messages/chat"
	EndpointNotification = "/api/messages/notification"
	EndpointTask         = "/api/messages/task"
	EndpointRecent       = "/api/messages/recent"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	ErrEmptyField  = errors.New("command: required field is empty")
	ErrInvalidBase = errors.New("command: invalid base url")
)

// CommandError is returned for any failed submission. StatusCode is 0 when no
// response was received.
type CommandError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *CommandError) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("command %s: status %d", e.Endpoint, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return fmt.Sprintf("command %s: %v", e.Endpoint, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Command is one outbound request body.
type Command interface {
	Endpoint() string
	Validate() error
}

type Chat struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

func (Chat) Endpoint() string { return EndpointChat }

func (c Chat) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("%w: username", ErrEmptyField)
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("%w: content", ErrEmptyField)
	}
	return nil
}

type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (Notification) Endpoint() string { return EndpointNotification }

func (n Notification) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title", ErrEmptyField)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message", ErrEmptyField)
	}
	return nil
}

type Task struct {
	TaskData string `json:"taskData"`
}

func (Task) Endpoint() string { return EndpointTask }

func (t Task) Validate() error {
	if strings.TrimSpace(t.TaskData) == "" {
		return fmt.Errorf("%w: taskData", ErrEmptyField)
	}
	return nil
}

type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the gateway at baseURL. A nil httpClient uses a client
// with a ten second timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBase, baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: u, http: httpClient}, nil
}

// Send validates and posts cmd. It resolves on any 2xx response.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	ep := cmd.Endpoint()
	if err := cmd.Validate(); err != nil {
		return &CommandError{Endpoint: ep, Err: err}
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return &CommandError{Endpoint: ep, Err: err}
	}
	resp, err := c.do(ctx, http.MethodPost, ep, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) SubmitChat(ctx context.Context, username, content string) error {
	return c.Send(ctx, Chat{Username: strings.TrimSpace(username), Content: strings.TrimSpace(content)})
}

func (c *Client) SubmitNotification(ctx context.Context, title, message string) error {
	return c.Send(ctx, Notification{Title: strings.TrimSpace(title), Message: strings.TrimSpace(message)})
}

func (c *Client) SubmitTask(ctx context.Context, data string) error {
	return c.Send(ctx, Task{TaskData: strings.TrimSpace(data)})
}

// FetchRecent returns the gateway's recent-message backlog as stored, newest first.
func (c *Client) FetchRecent(ctx context.Context) ([]feed.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, EndpointRecent, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []feed.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &CommandError{Endpoint: EndpointRecent, StatusCode: resp.StatusCode, Err: err}
	}
	return out, nil
}

// do returns the response only for 2xx; the caller closes its body.
func (c *Client) do(ctx context.Context, method, ep string, body io.Reader) (*http.Response, error) {
	target := *c.base
	target.Path = c.base.Path + ep

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, &CommandError{Endpoint: ep, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordCommand(ep, 0, time.Since(start), false)
		log.Warn().Err(err).Str("endpoint", ep).Msg("command.Client.do failed")
		return nil, &CommandError{Endpoint: ep, Err: err}
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	observability.RecordCommand(ep, resp.StatusCode, time.Since(start), ok)
	if !ok {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Warn().Str("endpoint", ep).Int("status", resp.StatusCode).Msg("command.Client.do rejected")
		return nil, &CommandError{
			Endpoint:   ep,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	log.Debug().Str("endpoint", ep).Int("status", resp.StatusCode).Msg("command.Client.do")
	return resp, nil
}
