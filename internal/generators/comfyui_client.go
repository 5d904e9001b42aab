package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/IAMD3/ykgen/internal/workflow"
)

const (
	defaultRenderTimeout = 300 * time.Second
	pollInterval         = 1 * time.Second
	maxPollAttempts      = 300 // 5 minutes max wait time
)

// ComfyUIClient submits composed workflow graphs to a ComfyUI instance and
// retrieves the rendered images.
type ComfyUIClient struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
}

// promptRequest is the render submission envelope.
type promptRequest struct {
	Prompt   *workflow.Graph `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// historyEntry is the slice of a history response the client consumes.
type historyEntry struct {
	Outputs map[string]struct {
		Images []imageInfo `json:"images"`
	} `json:"outputs"`
}

type imageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// RenderResult is one rendered image.
type RenderResult struct {
	PromptID  string
	Filename  string
	ImageData []byte
	Duration  time.Duration
}

// NewComfyUIClient creates a client for the given ComfyUI base URL.
func NewComfyUIClient(baseURL string, timeout time.Duration) *ComfyUIClient {
	if timeout == 0 {
		timeout = defaultRenderTimeout
	}
	return &ComfyUIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		clientID:   fmt.Sprintf("ykgen_%d", time.Now().UnixNano()),
	}
}

// Render queues a composed graph and waits for its image. The graph is
// submitted verbatim, so the caller can resubmit the same graph on failure.
func (c *ComfyUIClient) Render(ctx context.Context, g *workflow.Graph) (*RenderResult, error) {
	start := time.Now()

	promptID, err := c.queuePrompt(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}

	result, err := c.pollForResult(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// queuePrompt sends a graph to the render queue and returns its prompt id.
func (c *ComfyUIClient) queuePrompt(ctx context.Context, g *workflow.Graph) (string, error) {
	reqBody, err := json.Marshal(&promptRequest{Prompt: g, ClientID: c.clientID})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		PromptID promptID `json:"prompt_id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("invalid response: missing prompt_id")
	}
	return string(result.PromptID), nil
}

// promptID tolerates backends that return the id as a bare number.
type promptID string

func (p *promptID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = promptID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = promptID(n.String())
	return nil
}

// pollForResult polls history until the prompt's image appears.
func (c *ComfyUIClient) pollForResult(ctx context.Context, promptID string) (*RenderResult, error) {
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		entry, ok, err := c.history(ctx, promptID)
		if err != nil || !ok {
			continue
		}

		for _, output := range entry.Outputs {
			if len(output.Images) == 0 {
				continue
			}
			img := output.Images[0]
			data, err := c.fetchImage(ctx, img.Filename, img.Subfolder)
			if err != nil {
				return nil, fmt.Errorf("failed to get image: %w", err)
			}
			return &RenderResult{PromptID: promptID, Filename: img.Filename, ImageData: data}, nil
		}
	}

	return nil, fmt.Errorf("timeout waiting for image generation")
}

// history fetches the history entry for one prompt id.
func (c *ComfyUIClient) history(ctx context.Context, promptID string) (*historyEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var entries map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, false, err
	}
	entry, ok := entries[promptID]
	return &entry, ok, nil
}

// fetchImage retrieves rendered image bytes by filename.
func (c *ComfyUIClient) fetchImage(ctx context.Context, filename, subfolder string) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", filename)
	if subfolder != "" {
		q.Set("subfolder", subfolder)
	}
	q.Set("type", "output")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned status %d for image %s", resp.StatusCode, filename)
	}
	return io.ReadAll(resp.Body)
}

// HealthCheck checks if the renderer is accessible.
func (c *ComfyUIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renderer returned status %d", resp.StatusCode)
	}
	return nil
}
