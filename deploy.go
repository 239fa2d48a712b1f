package markdeck

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HookClient triggers a user-configured deployment webhook after publishes.
type HookClient struct {
	client *http.Client
}

// NewHookClient returns a HookClient with the given request timeout.
func NewHookClient(timeout time.Duration) *HookClient {
	return &HookClient{client: &http.Client{Timeout: timeout}}
}

// Trigger POSTs {type, filename} to url. Any non-2xx response counts as a
// failure. The caller's local write has already committed by the time this
// runs; a hook failure does not roll it back.
func (h *HookClient) Trigger(url, contentType, filename string) error {
	payload, err := json.Marshal(map[string]string{
		"type":     contentType,
		"filename": filename,
	})
	if err != nil {
		return err
	}
	resp, err := h.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("deploy hook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deploy hook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
