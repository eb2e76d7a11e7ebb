package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

const (
	pollInterval   = 1 * time.Second
	requestTimeout = 30 * time.Second
)

// State values reported by Status.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateUnknown   = "unknown"
)

// Client talks to one inference runtime over HTTP. One client per
// runtime base URL; safe for concurrent use.
type Client struct {
	baseURL   string
	clientID  string
	outputDir string
	httpc     *http.Client
	logger    zerolog.Logger

	// poll is overridable in tests to avoid real 1 s waits.
	poll time.Duration
}

// NewClient creates a client for the runtime at baseURL. Downloaded
// result images are written under outputDir.
func NewClient(baseURL, clientID, outputDir string) *Client {
	return &Client{
		baseURL:   baseURL,
		clientID:  clientID,
		outputDir: outputDir,
		httpc:     &http.Client{Timeout: requestTimeout},
		logger:    log.WithComponent("inference"),
		poll:      pollInterval,
	}
}

// Status is the normalized view of a prompt's place in the runtime.
type Status struct {
	State         string     `json:"state"`
	QueuePosition int        `json:"queue_position,omitempty"`
	Outputs       []imageRef `json:"-"`
	Error         string     `json:"error,omitempty"`
}

// Result is the outcome of a completed prompt.
type Result struct {
	Images    []string      `json:"images"`
	Files     []string      `json:"files"`
	TotalTime time.Duration `json:"total_time"`
}

type submitRequest struct {
	Prompt   types.Workflow `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type queueResponse struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

type historyEntry struct {
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Submit posts a workflow for execution and returns the runtime's
// prompt id.
func (c *Client) Submit(ctx context.Context, workflow types.Workflow) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", types.WrapError(types.ErrRuntimeUnavailable, err, "failed to reach runtime")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read runtime response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return "", types.NewError(types.ErrValidation, "runtime rejected workflow: %s", truncate(string(data), 500))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", types.NewError(types.ErrRuntimeUnavailable, "runtime returned %d: %s", resp.StatusCode, truncate(string(data), 500))
	}

	var sr submitResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", types.NewError(types.ErrRuntimeUnavailable, "runtime response missing prompt_id")
	}
	return sr.PromptID, nil
}

// Status checks the runtime's queue and history endpoints and
// normalizes them into a single state.
func (c *Client) Status(ctx context.Context, promptID string) (*Status, error) {
	var qr queueResponse
	if err := c.getJSON(ctx, "/queue", &qr); err != nil {
		return nil, err
	}

	if pos := queuePosition(qr.Running, promptID); pos >= 0 {
		return &Status{State: StateRunning}, nil
	}
	if pos := queuePosition(qr.Pending, promptID); pos >= 0 {
		return &Status{State: StatePending, QueuePosition: pos + 1}, nil
	}

	entry, ok, err := c.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Status{State: StateUnknown}, nil
	}
	if entry.Status.StatusStr == "error" {
		return &Status{State: StateFailed, Error: historyError(entry)}, nil
	}
	if entry.Status.Completed {
		return &Status{State: StateCompleted, Outputs: entry.outputs()}, nil
	}
	return &Status{State: StateRunning}, nil
}

// WaitForCompletion polls the runtime until the prompt reaches a
// terminal state or ctx expires, then downloads the result images into
// the output directory. Returned image entries are URLs under the local
// image-serving endpoint. onProgress, when non-nil, is invoked once per
// poll with the number of completed polls; the runtime's HTTP surface
// exposes no per-step sampler counter, so callers translate poll ticks
// into coarse progress.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, onProgress func(polls int)) (*Result, error) {
	start := time.Now()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		if onProgress != nil {
			onProgress(polls)
		}

		entry, ok, err := c.history(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if ok {
			if entry.Status.StatusStr == "error" {
				return nil, types.NewError(types.ErrInternal, "execution failed: %s", historyError(entry))
			}
			if entry.Status.Completed {
				result, err := c.download(ctx, promptID, entry.outputs())
				if err != nil {
					return nil, err
				}
				result.TotalTime = time.Since(start)
				return result, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrTimeout, ctx.Err(), "prompt %s did not complete in time", promptID)
		case <-ticker.C:
		}
	}
}

// history fetches the history entry for a prompt; ok is false when the
// runtime has no record yet.
func (c *Client) history(ctx context.Context, promptID string) (*historyEntry, bool, error) {
	var entries map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+promptID, &entries); err != nil {
		return nil, false, err
	}
	entry, ok := entries[promptID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// download fetches each output image and persists it as
// {prompt_id}_{filename} under the output directory.
func (c *Client) download(ctx context.Context, promptID string, refs []imageRef) (*Result, error) {
	result := &Result{}
	for _, ref := range refs {
		name := promptID + "_" + ref.Filename
		path := filepath.Join(c.outputDir, name)
		if err := c.fetchImage(ctx, ref, path); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", ref.Filename, err)
		}
		result.Files = append(result.Files, path)
		result.Images = append(result.Images, "/api/images/"+name)
	}
	return result, nil
}

func (c *Client) fetchImage(ctx context.Context, ref imageRef, path string) error {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return types.WrapError(types.ErrRuntimeUnavailable, err, "failed to reach runtime")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime returned %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return err
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return types.WrapError(types.ErrRuntimeUnavailable, err, "failed to reach runtime")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.ErrRuntimeUnavailable, "runtime returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *historyEntry) outputs() []imageRef {
	var refs []imageRef
	for _, node := range e.Outputs {
		refs = append(refs, node.Images...)
	}
	return refs
}

// queuePosition finds a prompt in the runtime's queue listing. Each
// entry is an array whose second element is the prompt id.
func queuePosition(entries [][]json.RawMessage, promptID string) int {
	for i, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(entry[1], &id); err != nil {
			continue
		}
		if id == promptID {
			return i
		}
	}
	return -1
}

func historyError(entry *historyEntry) string {
	for _, msg := range entry.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		if name, ok := msg[0].(string); !ok || name != "execution_error" {
			continue
		}
		if detail, ok := msg[1].(map[string]any); ok {
			if em, ok := detail["exception_message"].(string); ok && em != "" {
				return em
			}
		}
	}
	return "execution error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
