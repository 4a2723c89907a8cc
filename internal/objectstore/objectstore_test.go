package objectstore

import (
	"bytes"
	"context"
	"testing"
)

func TestPutGetRoundTrips(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	key, err := s.Put(ctx, "image/png", []byte("fake-png-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	data, contentType, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, []byte("fake-png-bytes")) {
		t.Fatalf("unexpected data: %s", data)
	}
	if contentType != "image/png" {
		t.Fatalf("unexpected content type: %s", contentType)
	}
}

func TestPutIsContentAddressed(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	key1, _ := s.Put(ctx, "image/png", []byte("same-bytes"))
	key2, _ := s.Put(ctx, "image/png", []byte("same-bytes"))
	if key1 != key2 {
		t.Fatalf("expected identical content to hash to the same key, got %s and %s", key1, key2)
	}
}

func TestGetMissingKeyErrors(t *testing.T) {
	s := NewInMemory()
	if _, _, err := s.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
