package agentrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInvokeReturnsTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/invocations" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var inv Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if inv.Capability != "echo" {
			t.Fatalf("unexpected capability: %s", inv.Capability)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(InvocationTicket{RequestID: "req-1"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ticket, err := client.Invoke(context.Background(), Invocation{
		Capability: "echo",
		Args:       map[string]any{"task": "hello"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if ticket.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %s", ticket.RequestID)
	}
}

func TestWaitInvocationPollsUntilTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "req-1" {
			t.Fatalf("unexpected id: %s", r.URL.Query().Get("id"))
		}
		calls++
		record := InvocationRecord{RequestID: "req-1", Capability: "echo", Status: "in_progress"}
		if calls >= 3 {
			record.Status = "completed"
			record.Response = "hello"
		}
		_ = json.NewEncoder(w).Encode(record)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	record, err := client.WaitInvocation(ctx, "req-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait invocation: %v", err)
	}
	if record.Status != "completed" || record.Response != "hello" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestGetInvocationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "request not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetInvocation(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestListAndApproveCapabilities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/capabilities":
			if r.URL.Query().Get("unapproved") != "true" {
				t.Fatalf("expected unapproved query, got %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]Capability{{Name: "echo", Approved: false}})
		case "/api/v1/capabilities/approve":
			_ = json.NewEncoder(w).Encode(Capability{Name: "echo", Approved: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	capabilities, err := client.ListCapabilities(context.Background(), true)
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(capabilities) != 1 || capabilities[0].Name != "echo" {
		t.Fatalf("unexpected capabilities: %+v", capabilities)
	}

	view, err := client.ApproveCapability(context.Background(), "echo", true)
	if err != nil {
		t.Fatalf("approve capability: %v", err)
	}
	if !view.Approved {
		t.Fatalf("expected approved capability, got %+v", view)
	}
}
