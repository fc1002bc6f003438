package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestNewMinIOStorageValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinIOConfig
	}{
		{"no endpoint", MinIOConfig{AccessKey: "a", SecretKey: "s"}},
		{"no access key", MinIOConfig{Endpoint: "127.0.0.1:9000", SecretKey: "s"}},
		{"no secret key", MinIOConfig{Endpoint: "127.0.0.1:9000", AccessKey: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMinIOStorage(tt.cfg); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
	if _, err := NewMinIOStorage(MinIOConfig{Endpoint: "127.0.0.1:9000", AccessKey: "a", SecretKey: "s"}); err != nil {
		t.Fatalf("NewMinIOStorage() error = %v", err)
	}
}

func TestMapErrorNotFound(t *testing.T) {
	err := mapError(minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	other := minio.ErrorResponse{Code: "AccessDenied"}
	if errors.Is(mapError(other), ErrObjectNotFound) {
		t.Fatalf("AccessDenied must not map to not found")
	}
}
