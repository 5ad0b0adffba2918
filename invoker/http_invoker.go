package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxion-io/fluxion/model"
)

// HttpInvoker calls a webhook or REST endpoint. 5xx and transport errors are
// retryable; 4xx responses are permanent failures.
type HttpInvoker struct {
	client *http.Client
}

var _ ActionInvoker = new(HttpInvoker)

func NewHttpInvoker(timeout time.Duration) *HttpInvoker {
	return &HttpInvoker{
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HttpInvoker) Name() string {
	return "http"
}

func (h *HttpInvoker) Invoke(ctx context.Context, config map[string]any, variables map[string]any) model.InvokeResult {
	url, _ := config["url"].(string)
	if url == "" {
		return failure("http action requires url", false)
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if b, ok := config["body"]; ok {
		data, err := json.Marshal(b)
		if err != nil {
			return failure(fmt.Sprintf("encoding body: %v", err), false)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return failure(err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return failure(err.Error(), true)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return failure(fmt.Sprintf("http %d", resp.StatusCode), true)
	}
	if resp.StatusCode >= 400 {
		return failure(fmt.Sprintf("http %d", resp.StatusCode), false)
	}

	outputs := map[string]any{
		"statusCode": resp.StatusCode,
	}
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err == nil {
		outputs["response"] = decoded
	} else if len(respBody) > 0 {
		outputs["response"] = string(respBody)
	}
	return success(outputs)
}
