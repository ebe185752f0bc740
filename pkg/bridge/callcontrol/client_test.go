package callcontrol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestTransferLifecycle(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var lastBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		lastBody = nil
		json.Unmarshal(b, &lastBody)
		mu.Unlock()
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", "c-42", nil)
	if c.TransferRinging() {
		t.Fatal("new client reports a ringing transfer")
	}
	if err := c.CancelTransfer(context.Background()); err == nil {
		t.Fatal("CancelTransfer with nothing ringing must fail")
	}

	if err := c.Transfer(context.Background(), "+15550300"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !c.TransferRinging() {
		t.Fatal("transfer not marked ringing")
	}
	mu.Lock()
	if paths[0] != "/calls/c-42/transfer" || lastBody["target"] != "+15550300" {
		t.Fatalf("request = %s %v", paths[0], lastBody)
	}
	mu.Unlock()

	if err := c.CancelTransfer(context.Background()); err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}
	if c.TransferRinging() {
		t.Fatal("transfer still ringing after cancel")
	}

	if err := c.Play(context.Background(), "apology-en"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	mu.Lock()
	if paths[len(paths)-1] != "/calls/c-42/play" || lastBody["media"] != "apology-en" {
		t.Fatalf("request = %s %v", paths[len(paths)-1], lastBody)
	}
	mu.Unlock()

	if err := c.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if paths[len(paths)-1] != "/calls/c-42/hangup" {
		t.Fatalf("last path = %s", paths[len(paths)-1])
	}
}

func TestAnsweredTransferCannotBeCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(srv.URL, "", "c-42", nil)
	if err := c.Transfer(context.Background(), "+15550300"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	c.TransferAnswered()
	if err := c.CancelTransfer(context.Background()); err == nil {
		t.Fatal("CancelTransfer after answer must fail")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "c-42", nil)
	if err := c.Transfer(context.Background(), "+15550300"); err == nil {
		t.Fatal("5xx transfer reported success")
	}
	if c.TransferRinging() {
		t.Fatal("failed transfer marked ringing")
	}
}

func TestUnconfiguredClientFailsClearly(t *testing.T) {
	c := New("", "", "c-42", nil)
	if err := c.Hangup(context.Background()); err == nil {
		t.Fatal("unconfigured client reported success")
	}
}
