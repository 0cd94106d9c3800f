// Package transport issues one streaming chat-completion request and
// assembles its event stream into a Message, a stop reason, and usage
// counters, or a classified error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilroy-labs/turnengine/internal/content"
	"github.com/kilroy-labs/turnengine/internal/tools"
)

const (
	apiVersion     = "2023-06-01"
	connectTimeout = 30 * time.Second
	totalTimeout   = 300 * time.Second
)

// Client issues chat requests against one upstream endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// OnTextDelta, if set, is called with each text delta as it arrives so a
	// caller can echo assistant text to a user-visible sink while streaming.
	// retrying reports whether this call is a retry of a previous attempt, so
	// the sink can prefix a marker disambiguating duplicate output.
	OnTextDelta func(textID string, delta string, retrying bool)
}

// NewClient builds a Client with the connect/total timeout split the
// contract requires: dialing bounded at 30s, the whole request at 300s.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Request is the input to one streaming call.
type Request struct {
	Model       string
	MaxTokens   int
	System      string
	Messages    []content.Message
	Tools       []tools.Definition
	Retrying    bool
}

// Result is what a successful call produces.
type Result struct {
	Message    content.Message
	StopReason content.StopReason
	Usage      content.Usage
}

// Stream issues one request and drains its event stream to completion. The
// returned error, when non-nil, is always one of the content package's
// classified error types.
func (c *Client) Stream(ctx context.Context, req Request) (Result, error) {
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"messages":   req.Messages,
		"stream":     true,
	}
	if strings.TrimSpace(req.System) != "" {
		body["system"] = req.System
	}
	if len(req.Tools) > 0 {
		body["tools"] = toWireTools(req.Tools)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, &content.EncodingError{Inner: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return Result{}, &content.TransportError{Inner: err, Connect: true}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", apiVersion)
	if c.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, &content.HTTPError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(body),
		}
	}

	return c.drain(resp.Body, req.Retrying)
}

func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	timeout := strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
	connect := strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "connect")
	return &content.TransportError{Inner: err, Timeout: timeout, Connect: connect}
}

func parseRetryAfter(v string) *int {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

type blockState struct {
	kind content.BlockKind

	textID string
	text   strings.Builder

	toolID    string
	toolName  string
	toolInput strings.Builder
}

// drain reads the SSE body to completion, building content blocks per
// index, and returns the assembled message, stop reason, and usage.
func (c *Client) drain(body io.Reader, retrying bool) (Result, error) {
	blocks := map[int]*blockState{}
	order := []int{}
	var usage content.Usage
	stopReason := content.StopReason("")
	sawStop := false
	var streamErr error

	getBlock := func(idx int) *blockState {
		st, ok := blocks[idx]
		if !ok {
			st = &blockState{}
			blocks[idx] = st
			order = append(order, idx)
		}
		return st
	}

	err := ScanEvents(body, func(ev Event) error {
		if len(ev.Data) == 0 {
			return nil
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			streamErr = &content.StreamParseError{Detail: "malformed event payload: " + err.Error()}
			return streamErr
		}

		switch ev.Name {
		case "message_start":
			if msg, ok := payload["message"].(map[string]any); ok {
				if u, ok := msg["usage"].(map[string]any); ok {
					mergeUsage(&usage, u)
				}
			}
		case "content_block_start":
			idx := intField(payload["index"])
			cb, _ := payload["content_block"].(map[string]any)
			typ, _ := cb["type"].(string)
			st := getBlock(idx)
			switch typ {
			case "text":
				st.kind = content.BlockText
				st.textID = fmt.Sprintf("text_%d", idx)
			case "tool_use":
				st.kind = content.BlockToolUse
				st.toolID, _ = cb["id"].(string)
				st.toolName, _ = cb["name"].(string)
			}
		case "content_block_delta":
			idx := intField(payload["index"])
			st := getBlock(idx)
			d, _ := payload["delta"].(map[string]any)
			switch dtyp, _ := d["type"].(string); dtyp {
			case "text_delta":
				delta, _ := d["text"].(string)
				if delta != "" {
					st.text.WriteString(delta)
					if c.OnTextDelta != nil {
						c.OnTextDelta(st.textID, delta, retrying)
					}
				}
			case "input_json_delta":
				delta, _ := d["partial_json"].(string)
				st.toolInput.WriteString(delta)
			}
		case "content_block_stop":
			// finalization happens when assembling the message below
		case "message_delta":
			if sr, _ := payload["stop_reason"].(string); sr != "" {
				stopReason = normalizeStopReason(sr)
				sawStop = true
			}
			if u, ok := payload["usage"].(map[string]any); ok {
				mergeUsage(&usage, u)
			}
		case "message_stop":
			return nil
		case "error":
			errPayload, _ := payload["error"].(map[string]any)
			etyp, _ := errPayload["type"].(string)
			detail, _ := errPayload["message"].(string)
			switch etyp {
			case "invalid_request_error":
				streamErr = &content.StreamParseError{Detail: detail}
			default:
				streamErr = &content.StreamTransientError{Detail: detail}
			}
			return streamErr
		}
		return nil
	})
	if err != nil && streamErr == nil {
		streamErr = &content.TransportError{Inner: err}
	}
	if streamErr != nil {
		return Result{}, streamErr
	}
	if !sawStop {
		return Result{}, &content.StreamTransientError{Detail: "stream ended without a stop reason"}
	}

	msg := content.Message{Role: content.RoleAssistant}
	for _, idx := range order {
		st := blocks[idx]
		switch st.kind {
		case content.BlockText:
			msg.Content = append(msg.Content, content.TextBlock(st.text.String()))
		case content.BlockToolUse:
			var input any
			if s := strings.TrimSpace(st.toolInput.String()); s != "" {
				if jerr := json.Unmarshal([]byte(s), &input); jerr != nil {
					input = nil
				}
			}
			msg.Content = append(msg.Content, content.ToolUseBlock(st.toolID, st.toolName, input))
		}
	}

	return Result{Message: msg, StopReason: stopReason, Usage: usage}, nil
}

func normalizeStopReason(sr string) content.StopReason {
	switch sr {
	case "max_tokens":
		return content.StopMaxTokens
	case "tool_use":
		return content.StopToolUse
	default:
		return content.StopEndTurn
	}
}

func intField(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func mergeUsage(u *content.Usage, raw map[string]any) {
	if v, ok := raw["input_tokens"]; ok {
		u.InputTokens = intField(v)
	}
	if v, ok := raw["output_tokens"]; ok {
		u.OutputTokens = intField(v)
	}
	if v, ok := raw["cache_creation_input_tokens"]; ok {
		u.CacheCreationInputTokens = intField(v)
	}
	if v, ok := raw["cache_read_input_tokens"]; ok {
		u.CacheReadInputTokens = intField(v)
	}
}

func toWireTools(defs []tools.Definition) []map[string]any {
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": d.InputSchema,
		})
	}
	return out
}
