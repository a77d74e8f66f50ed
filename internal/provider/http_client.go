package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pixstudio/genledger/internal/logging"
	"github.com/pixstudio/genledger/internal/metrics"
)

// HTTPClient is the production Client over the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type createTaskRequest struct {
	Model     string         `json:"model"`
	Input     map[string]any `json:"input"`
	ClientRef string         `json:"clientReference,omitempty"`
}

type createTaskResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (c *HTTPClient) Submit(ctx context.Context, clientRef string, p SubmitParams) (string, error) {
	input := map[string]any{
		"prompt":  p.Prompt,
		"outputs": p.Outputs,
	}
	for k, v := range p.Options {
		input[k] = v
	}

	body := createTaskRequest{Model: p.Model, Input: input, ClientRef: clientRef}
	var resp createTaskResponse
	if err := c.post(ctx, "/api/v1/jobs/createTask", body, &resp); err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues("submit", "error").Inc()
		return "", err
	}
	if resp.Code != 200 || resp.Data.TaskID == "" {
		metrics.ProviderRequestsTotal.WithLabelValues("submit", "rejected").Inc()
		return "", &APIError{StatusCode: http.StatusOK, Code: fmt.Sprint(resp.Code), Message: resp.Msg}
	}
	metrics.ProviderRequestsTotal.WithLabelValues("submit", "ok").Inc()
	logging.L(ctx).Debug("provider task created", "task_id", resp.Data.TaskID)
	return resp.Data.TaskID, nil
}

type recordInfoResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID   string `json:"taskId"`
		State    string `json:"state"`
		Result   string `json:"resultJson"`
		FailCode string `json:"failCode"`
		FailMsg  string `json:"failMsg"`
	} `json:"data"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

func (c *HTTPClient) Poll(ctx context.Context, requestRef string) (*PollResult, error) {
	endpoint := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(requestRef)
	var resp recordInfoResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			metrics.ProviderRequestsTotal.WithLabelValues("poll", "unknown").Inc()
			return nil, ErrUnknownRequest
		}
		metrics.ProviderRequestsTotal.WithLabelValues("poll", "error").Inc()
		return nil, err
	}
	if resp.Code == 404 || (resp.Code != 200 && resp.Data.TaskID == "") {
		metrics.ProviderRequestsTotal.WithLabelValues("poll", "unknown").Inc()
		return nil, ErrUnknownRequest
	}

	metrics.ProviderRequestsTotal.WithLabelValues("poll", "ok").Inc()
	result := &PollResult{}
	switch resp.Data.State {
	case "success":
		result.Status = StatusSucceeded
		if resp.Data.Result != "" {
			var payload resultPayload
			if err := json.Unmarshal([]byte(resp.Data.Result), &payload); err != nil {
				return nil, fmt.Errorf("failed to parse result payload: %w", err)
			}
			result.ResultURLs = payload.ResultURLs
		}
	case "fail":
		result.Status = StatusFailed
		result.FailCode = resp.Data.FailCode
		result.FailMsg = resp.Data.FailMsg
	default:
		// waiting, queuing, generating
		result.Status = StatusPending
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
