package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	adapterlog "github.com/nsls2-tools/beamsync/internal/adapters/log"
)

func TestStoreGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/v1/kv/tst:proposal_id" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(kvValue{Value: "123456"})
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "secret", adapterlog.NewNoopLogger())
	v, ok, err := c.Get(context.Background(), "tst:proposal_id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "123456" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
}

func TestStoreGetMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	_, ok, err := c.Get(context.Background(), "tst:absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("404 should report the key as absent, not as an error")
	}
}

func TestStoreGetServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	if _, _, err := c.Get(context.Background(), "tst:key"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestStoreSet(t *testing.T) {
	var gotBody kvValue
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	if err := c.Set(context.Background(), "tst:cycle", "2026-2"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if gotBody.Value != "2026-2" {
		t.Fatalf("body value = %q", gotBody.Value)
	}
}

func TestStoreSetRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "read only", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	if err := c.Set(context.Background(), "tst:cycle", "2026-2"); err == nil {
		t.Fatal("expected error when the store refuses the write")
	}
}

func TestStoreDeleteAbsentKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	if err := c.Delete(context.Background(), "tst:gone"); err != nil {
		t.Fatalf("deleting an absent key should not fail: %v", err)
	}
}

func TestStoreListen(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/tst:metadata-updates/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n == 1 {
			fmt.Fprint(w, `{"messages":["cycle:peer","scan_id:peer"]}`)
			return
		}
		// Later polls return an empty window.
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"messages":[]}`)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())

	var got []string
	received := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Listen(ctx, "tst:metadata-updates", func(message string) {
			got = append(got, message)
			if len(got) == 2 {
				close(received)
			}
		})
	}()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered within deadline")
	}
	if got[0] != "cycle:peer" || got[1] != "scan_id:peer" {
		t.Fatalf("messages = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Listen returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not stop after cancel")
	}
}

func TestStoreListenRetriesAfterPollFailure(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"messages":["cycle:peer"]}`)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())

	received := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx, "tst:metadata-updates", func(message string) {
		select {
		case received <- message:
		default:
		}
	})

	select {
	case msg := <-received:
		if msg != "cycle:peer" {
			t.Fatalf("message = %q", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("listener did not recover from a failed poll")
	}
}

func TestStoreNotifyUpdate(t *testing.T) {
	var gotPath, gotMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotMessage = string(b)
	}))
	defer srv.Close()

	c := NewStoreClient(srv.Client(), srv.URL, "", adapterlog.NewNoopLogger())
	if err := c.NotifyUpdate(context.Background(), "tst:metadata-updates", "cycle:some-writer"); err != nil {
		t.Fatalf("NotifyUpdate: %v", err)
	}
	if gotPath != "/v1/channels/tst:metadata-updates/publish" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotMessage != "cycle:some-writer" {
		t.Fatalf("message = %q", gotMessage)
	}
}
