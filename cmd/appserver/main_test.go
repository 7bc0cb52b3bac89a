package main

import (
	"strings"
	"testing"

	"github.com/lorapark/control-plane/pkg/config"
)

func TestDetermineAddrDefaults(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = ""
	cfg.Server.Port = 0
	if got, want := determineAddr(cfg), "0.0.0.0:8080"; got != want {
		t.Fatalf("determineAddr() = %q, want %q", got, want)
	}
}

func TestDetermineAddrUsesConfig(t *testing.T) {
	cfg := config.New()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9090
	if got, want := determineAddr(cfg), "127.0.0.1:9090"; got != want {
		t.Fatalf("determineAddr() = %q, want %q", got, want)
	}
}

func TestDecodeSecretKeyAcceptsEmpty(t *testing.T) {
	key, err := decodeSecretKey("")
	if err != nil || key != nil {
		t.Fatalf("decodeSecretKey(\"\") = %v, %v; want nil, nil", key, err)
	}
}

func TestDecodeSecretKeyAcceptsRawLength(t *testing.T) {
	if _, err := decodeSecretKey("too-short"); err == nil {
		t.Fatal("expected error for invalid key length")
	}

	// Underscores are outside both the base64 and hex alphabets, so this
	// forces the raw-bytes fallback path at exactly 32 bytes.
	raw := strings.Repeat("_", 32)
	key, err := decodeSecretKey(raw)
	if err != nil {
		t.Fatalf("decodeSecretKey(32 raw bytes): %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}
}

func TestValidKeyLength(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		if !validKeyLength(make([]byte, n)) {
			t.Errorf("validKeyLength(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, 15, 20, 33} {
		if validKeyLength(make([]byte, n)) {
			t.Errorf("validKeyLength(%d) = true, want false", n)
		}
	}
}
