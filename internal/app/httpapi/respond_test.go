package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	svcerrors "github.com/lorapark/control-plane/infrastructure/errors"
)

func TestWriteErrorMapsServiceError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, svcerrors.NotFound("space", "sp-1"))

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := body["code"]; !ok {
		t.Fatalf("expected a code field in %v", body)
	}
}

func TestWriteErrorDefaultsToInternal(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("boom"))

	if w.Code != 500 {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	body := io.NopCloser(bytes.NewBufferString(`{"space_id":"sp-1","bogus":true}`))
	var dst struct {
		SpaceID string `json:"space_id"`
	}
	if err := decodeJSON(body, &dst); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestDecodeJSONPopulatesDestination(t *testing.T) {
	body := io.NopCloser(bytes.NewBufferString(`{"space_id":"sp-1"}`))
	var dst struct {
		SpaceID string `json:"space_id"`
	}
	if err := decodeJSON(body, &dst); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if dst.SpaceID != "sp-1" {
		t.Fatalf("SpaceID = %q, want sp-1", dst.SpaceID)
	}
}
