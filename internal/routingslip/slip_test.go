package routingslip

import "testing"

func TestNewDefaults(t *testing.T) {
	headers := map[string][]string{"content-type": {"application/json"}}
	query := map[string][]string{"api-version": {"2024-02-01"}}
	body := []byte(`{"hello":"world"}`)

	s := New("POST", headers, query, body, "/openai/deployments/gpt-4o/chat/completions")

	if s.RequestID.String() == "" {
		t.Fatalf("RequestID is empty")
	}
	if s.RequestReceivedUTC.IsZero() {
		t.Fatalf("RequestReceivedUTC is zero")
	}
	if s.Incoming.Method != "POST" {
		t.Fatalf("Incoming.Method = %q, want POST", s.Incoming.Method)
	}
	if string(s.Incoming.Body) != `{"hello":"world"}` {
		t.Fatalf("Incoming.Body = %q", s.Incoming.Body)
	}
	if s.Path != "/openai/deployments/gpt-4o/chat/completions" {
		t.Fatalf("Path = %q", s.Path)
	}
	if !s.IsNonStreamingResponseRequested {
		t.Fatalf("IsNonStreamingResponseRequested = false, want true (default)")
	}
	if s.HasClient() {
		t.Fatalf("HasClient() = true, want false before identification")
	}
}

func TestHasClientAfterAssignment(t *testing.T) {
	s := New("GET", nil, nil, nil, "")
	s.Client = "acme"
	if !s.HasClient() {
		t.Fatalf("HasClient() = false, want true once Client is set")
	}
}
