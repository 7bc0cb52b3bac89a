package lns

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/lorapark/control-plane/infrastructure/testutil"
)

func TestEnqueueSendsExpectedRequestAndParsesFrameCounter(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"f_cnt_down": 42}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret-token")
	result, err := c.Enqueue(context.Background(), EnqueueRequest{
		DeviceEUI: "0011223344556677", Port: 2, Payload: []byte{0x01, 0x02}, Confirmed: true,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if gotPath != "/api/devices/0011223344556677/queue" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody["dev_eui"] != "0011223344556677" || gotBody["confirmed"] != true {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
	wantData := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})
	if gotBody["data"] != wantData {
		t.Fatalf("data = %v, want %v", gotBody["data"], wantData)
	}
	if result.FrameCounter != 42 {
		t.Fatalf("FrameCounter = %d, want 42", result.FrameCounter)
	}
}

func TestEnqueueErrorsOnNonSuccessStatus(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"lns unreachable"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	if _, err := c.Enqueue(context.Background(), EnqueueRequest{DeviceEUI: "eui-1"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestFlushQueueHitsExpectedPath(t *testing.T) {
	var gotPath string
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	if err := c.FlushQueue(context.Background(), "eui-9"); err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if gotPath != "/api/devices/eui-9/queue/flush" {
		t.Fatalf("path = %q", gotPath)
	}
}
