package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

// HTTP consults a remote decision service.
//
// The request body is {"spec": Spec, "input": <Request>}; the reply should be a
// JSON object carrying prioritized_jobs. Any other JSON reply yields an empty
// Response. Transport failures, non-2xx statuses and bodies that are not JSON are
// returned as errors.
type HTTP struct {
	Endpoint string
	Spec     string
	Token    string
	Client   *http.Client
}

type httpEnvelope struct {
	Spec  string  `json:"spec"`
	Input Request `json:"input"`
}

func (h *HTTP) Prioritize(ctx context.Context, req Request) (*Response, error) {
	if h == nil || strings.TrimSpace(h.Endpoint) == "" {
		return nil, ErrNoOracle
	}
	body, err := json.Marshal(httpEnvelope{Spec: h.Spec, Input: req})
	if err != nil {
		return nil, fmt.Errorf("oracle: encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("oracle: build request: %w", err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(h.Token); tok != "" {
		hr.Header.Set("Authorization", "Bearer "+tok)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("oracle: read body: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("oracle: empty body")
	}
	var out Response
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("oracle: decode body: %w", err)
	}
	return &out, nil
}
