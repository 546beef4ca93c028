// Package cli holds the HTTP client and output formatting used by the kioku commands.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// APIError is a non-2xx answer from the server. It unwraps to the matching model error so
// callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrInvalidInput
	case http.StatusConflict:
		return models.ErrInvalidState
	}
	return nil
}

// Client talks to a running kioku server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient uses
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

// SubmitResponse is the answer to source creation and reprocessing. Error is set when a
// synchronous attempt failed.
type SubmitResponse struct {
	models.SubmitResult
	Error string `json:"error,omitempty"`
}

// Status returns the server status document.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// AddSource creates a link or text source, or an upload of a path on the server's disk.
func (c *Client) AddSource(ctx context.Context, in *models.SourceInput) (*SubmitResponse, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/sources", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends a local file as a multipart upload source.
func (c *Client) Upload(ctx context.Context, path string, in *models.SourceInput) (*SubmitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	fields := map[string]string{"title": in.Title, "async_processing": strconv.FormatBool(in.Async)}
	if len(in.Notebooks) > 0 {
		fields["notebooks"] = strings.Join(in.Notebooks, ",")
	}
	if in.Embed != nil {
		fields["embed"] = strconv.FormatBool(*in.Embed)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sources", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out SubmitResponse
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SourceStatus returns the processing status of a source.
func (c *Client) SourceStatus(ctx context.Context, id string) (*models.StatusReport, error) {
	var out models.StatusReport
	if err := c.do(ctx, http.MethodGet, "/sources/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reprocess starts a new ingestion attempt for a source.
func (c *Client) Reprocess(ctx context.Context, id string, async bool) (*SubmitResponse, error) {
	var out SubmitResponse
	path := "/sources/" + url.PathEscape(id) + "/reprocess?async=" + strconv.FormatBool(async)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a text or vector search.
func (c *Client) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	var out models.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateNotebook creates a notebook.
func (c *Client) CreateNotebook(ctx context.Context, name, description string) (*models.Notebook, error) {
	var out models.Notebook
	in := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/notebooks", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListNotebooks lists all notebooks.
func (c *Client) ListNotebooks(ctx context.Context) ([]*models.Notebook, error) {
	var out []*models.Notebook
	err := c.do(ctx, http.MethodGet, "/notebooks", nil, &out)
	return out, err
}

// Rebuild re-embeds sources; mode is "existing" or "all".
func (c *Client) Rebuild(ctx context.Context, mode string) (*models.RebuildResult, error) {
	var out models.RebuildResult
	if err := c.do(ctx, http.MethodPost, "/embeddings/rebuild", map[string]string{"mode": mode}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchDirectories lists the watched directories.
func (c *Client) WatchDirectories(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	err := c.do(ctx, http.MethodGet, "/watch/directories", nil, &out)
	return out.Directories, err
}

// AddWatchDirectory starts watching path; with sync, files already there are ingested.
func (c *Client) AddWatchDirectory(ctx context.Context, path string, sync bool) error {
	return c.do(ctx, http.MethodPost, "/watch/directories", map[string]interface{}{"path": path, "sync": sync}, nil)
}

// RemoveWatchDirectory stops watching path.
func (c *Client) RemoveWatchDirectory(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/watch/directories?path="+url.QueryEscape(path), nil, nil)
}

// CreateSession creates a chat session bound to scope.
func (c *Client) CreateSession(ctx context.Context, scope models.Scope, modelOverride string) (*models.ChatSession, error) {
	var out models.ChatSession
	in := map[string]interface{}{"scope": scope, "model_override": modelOverride}
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat sends one message and calls onEvent for every streamed event. It returns after the
// terminal event; an error event is returned as an error.
func (c *Client) Chat(ctx context.Context, sessionID, message, modelOverride string, onEvent func(models.Event)) error {
	data, err := json.Marshal(map[string]string{"message": message, "model_override": modelOverride})
	if err != nil {
		return err
	}
	path := c.baseURL + "/api/v1/chat/sessions/" + url.PathEscape(sessionID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	return ReadEvents(resp.Body, func(ev models.Event) error {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Kind == models.EventError {
			return fmt.Errorf("%w: %s", models.ErrModel, ev.Error)
		}
		return nil
	})
}

// ReadEvents parses a server-sent event stream and calls fn for each event until the
// stream ends or fn returns an error.
func ReadEvents(r io.Reader, fn func(models.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			var ev models.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
