package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/createTask" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", got)
		}
		var req createTaskRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "photon" {
			t.Errorf("unexpected model: %s", req.Model)
		}
		if req.ClientRef != "job-1" {
			t.Errorf("unexpected client reference: %s", req.ClientRef)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"taskId": "task-42"},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-key")
	ref, err := client.Submit(context.Background(), "job-1", SubmitParams{
		Model: "photon", Prompt: "a lighthouse", Outputs: 2,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ref != "task-42" {
		t.Errorf("expected task-42, got %s", ref)
	}
}

func TestSubmitRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 422, "msg": "bad prompt"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "k")
	_, err := client.Submit(context.Background(), "job-1", SubmitParams{Model: "photon"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "bad prompt" {
		t.Errorf("unexpected message: %s", apiErr.Message)
	}
}

func TestPollStates(t *testing.T) {
	tests := []struct {
		name       string
		state      string
		resultJSON string
		want       Status
		wantURLs   int
	}{
		{"waiting", "waiting", "", StatusPending, 0},
		{"generating", "generating", "", StatusPending, 0},
		{"success", "success", `{"resultUrls":["https://cdn/a.png","https://cdn/b.png"]}`, StatusSucceeded, 2},
		{"fail", "fail", "", StatusFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("taskId"); got != "task-42" {
					t.Errorf("unexpected taskId: %s", got)
				}
				json.NewEncoder(w).Encode(map[string]any{
					"code": 200,
					"data": map[string]any{
						"taskId":     "task-42",
						"state":      tt.state,
						"resultJson": tt.resultJSON,
						"failCode":   "500",
						"failMsg":    "model error",
					},
				})
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "k")
			result, err := client.Poll(context.Background(), "task-42")
			if err != nil {
				t.Fatalf("poll failed: %v", err)
			}
			if result.Status != tt.want {
				t.Errorf("expected status %s, got %s", tt.want, result.Status)
			}
			if len(result.ResultURLs) != tt.wantURLs {
				t.Errorf("expected %d urls, got %d", tt.wantURLs, len(result.ResultURLs))
			}
			if tt.want == StatusFailed && result.FailMsg != "model error" {
				t.Errorf("expected fail message, got %q", result.FailMsg)
			}
		})
	}
}

func TestPollUnknownRequest(t *testing.T) {
	for _, mode := range []string{"http404", "code404"} {
		t.Run(mode, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if mode == "http404" {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				json.NewEncoder(w).Encode(map[string]any{"code": 404, "msg": "record not found"})
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "k")
			_, err := client.Poll(context.Background(), "gone")
			if !errors.Is(err, ErrUnknownRequest) {
				t.Fatalf("expected ErrUnknownRequest, got %v", err)
			}
		})
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if err.Temporary() != tt.want {
			t.Errorf("Temporary() for %d = %v, want %v", tt.code, err.Temporary(), tt.want)
		}
	}
}
