package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPRunner invokes the agent engine over HTTP: one POST per command,
// the response streamed back as newline-delimited JSON events.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRunner creates a runner against the engine's command endpoint.
func NewHTTPRunner(endpoint string) *HTTPRunner {
	return &HTTPRunner{
		endpoint: endpoint,
		// No hard timeout: the agent layer enforces its own budget and
		// the stream is cancelled through the request context.
		client: &http.Client{},
	}
}

type wireEvent struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Error     string   `json:"error,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
}

// Command implements Runner.
func (r *HTTPRunner) Command(ctx context.Context, req CommandRequest) (<-chan AgentEvent, error) {
	body, err := json.Marshal(map[string]any{
		"message":        req.Message,
		"agentId":        req.AgentID,
		"sessionKey":     req.SessionKey,
		"idempotencyKey": req.IdempotencyKey,
		"label":          req.Label,
		"spawnedBy":      req.SpawnedBy,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent command: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent command: status %d", resp.StatusCode)
	}

	events := make(chan AgentEvent, 8)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var we wireEvent
			if err := json.Unmarshal(line, &we); err != nil {
				events <- AgentEvent{Err: fmt.Errorf("agent stream decode: %w", err)}
				return
			}
			if we.Error != "" {
				events <- AgentEvent{Err: fmt.Errorf("agent: %s", we.Error)}
				return
			}
			events <- AgentEvent{TextDelta: we.Text, MediaURLs: we.MediaURLs, Usage: we.Usage}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			events <- AgentEvent{Err: fmt.Errorf("agent stream: %w", err)}
		}
	}()
	return events, nil
}
