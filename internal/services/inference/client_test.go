package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"diarist/internal/services"
)

func TestClientRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/infer/transcribe" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if got := r.URL.Query().Get("language"); got != "en" {
			t.Fatalf("unexpected language param %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFF" {
			t.Fatalf("unexpected body %q", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transcript": "hello there",
			"speakers": []any{
				map[string]any{"label": "SPEAKER_00", "embedding": []float32{0.1, 0.2}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "secret"})
	result, err := client.Run(context.Background(), Request{
		SubjectRef: "f1",
		Kind:       "TRANSCRIBE",
		Params:     map[string]string{"language": "en"},
		Media:      []byte("RIFF"),
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Transcript != "hello there" || len(result.Speakers) != 1 || len(result.Speakers[0].Embedding) != 2 {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestClientRunClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		marker error
	}{
		{http.StatusUnprocessableEntity, services.ErrPermanent},
		{http.StatusServiceUnavailable, services.ErrTransient},
		{http.StatusTooManyRequests, services.ErrTransient},
		{http.StatusUnauthorized, services.ErrConfiguration},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported codec"})
		}))
		client := NewClient(Config{BaseURL: server.URL})
		_, err := client.Run(context.Background(), Request{Kind: "transcribe"})
		server.Close()
		if !errors.Is(err, tc.marker) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.marker, err)
		}
	}
}

func TestClientRunCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.Run(ctx, Request{Kind: "summarize"})
	if !services.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestClientRunRequiresConfiguration(t *testing.T) {
	_, err := NewClient(Config{}).Run(context.Background(), Request{Kind: "transcribe"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	if err := NewClient(Config{BaseURL: server.URL}).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
