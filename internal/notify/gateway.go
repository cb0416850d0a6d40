package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Gateway posts events to an HTTP realtime gateway.
type Gateway struct {
	url    string
	secret string
	client *http.Client
}

func NewGateway(url, secret string, client *http.Client) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{url: strings.TrimSpace(url), secret: secret, client: client}
}

func (g *Gateway) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(map[string]any{
		"channel": "user:" + event.OwnerID,
		"name":    event.Type,
		"data":    event,
	})
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.secret != "" {
		req.Header.Set("Authorization", "Bearer "+g.secret)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post gateway event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway responded %d", resp.StatusCode)
	}
	return nil
}
