package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryObjectStorePutPresignDelete(t *testing.T) {
	s := NewMemoryObjectStore("http://covers.local/")
	ctx := context.Background()

	if err := s.Put(ctx, "covers/978/a.png", strings.NewReader("png"), 3, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ct, ok := s.Object("covers/978/a.png")
	if !ok || string(data) != "png" || ct != "image/png" {
		t.Fatalf("unexpected object: %q %q %v", data, ct, ok)
	}
	u, err := s.PresignGet(ctx, "covers/978/a.png", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(u, "http://covers.local/covers%2F978%2Fa.png") || !strings.HasSuffix(u, "expires=900") {
		t.Fatalf("unexpected url: %s", u)
	}
	if err := s.Delete(ctx, "covers/978/a.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.PresignGet(ctx, "covers/978/a.png", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryObjectStoreRejectsShortBody(t *testing.T) {
	s := NewMemoryObjectStore("http://covers.local")
	if err := s.Put(context.Background(), "k", strings.NewReader("ab"), 5, "image/png"); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestNewMinioStoreRequiresEndpoint(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Bucket: "covers"}); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
}
