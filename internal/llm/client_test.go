package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "", ""); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := New("ftp://bad", "key", ""); err == nil {
		t.Fatal("expected error for invalid base url")
	}
	client, err := New("", "key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if client.model != DefaultModel || client.baseURL != DefaultBaseURL {
		t.Fatalf("defaults not applied: %+v", client)
	}
}

func TestSummarizeNOFO(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("Authorization = %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		messages := payload["messages"].([]any)
		if len(messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(messages))
		}
		user := messages[1].(map[string]any)
		if !strings.Contains(user["content"].(string), "community literacy") {
			t.Fatalf("user message missing document text: %v", user["content"])
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  Eligible: nonprofits. Award: $250k.  "}}]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, "test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := client.SummarizeNOFO(context.Background(), "Funding for community literacy programs...")
	if err != nil {
		t.Fatalf("SummarizeNOFO: %v", err)
	}
	if summary != "Eligible: nonprofits. Award: $250k." {
		t.Fatalf("summary = %q", summary)
	}
}

func TestSummarizeNOFOEmptyInput(t *testing.T) {
	client, err := New("", "key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.SummarizeNOFO(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestSummarizeNOFOHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := New(srv.URL, "key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.SummarizeNOFO(context.Background(), "text")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected HTTPError 429, got %v", err)
	}
}
