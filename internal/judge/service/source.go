package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"time"

	"kurooj/internal/common/storage"
	"kurooj/internal/judge/model"
	appErr "kurooj/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	compressedSuffix     = ".zst"
	defaultSourceTimeout = 10 * time.Second
)

// SourceResolver produces the source text of a judge message, either inline
// or downloaded from object storage. Keys ending in .zst are zstd-compressed.
type SourceResolver struct {
	storage  storage.ObjectStorage
	bucket   string
	maxBytes int64
	timeout  time.Duration
}

// NewSourceResolver creates a resolver. store may be nil when every job
// carries its source inline.
func NewSourceResolver(store storage.ObjectStorage, bucket string, maxBytes int64, timeout time.Duration) *SourceResolver {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	return &SourceResolver{storage: store, bucket: bucket, maxBytes: maxBytes, timeout: timeout}
}

// Resolve returns the source text for msg. A sourceHash, when present, is
// the hex sha256 of the (decompressed) source.
func (r *SourceResolver) Resolve(ctx context.Context, msg model.JudgeMessage) (string, error) {
	if msg.Code != "" {
		if err := checkHash([]byte(msg.Code), msg.SourceHash); err != nil {
			return "", err
		}
		return msg.Code, nil
	}
	if msg.SourceKey == "" {
		return "", appErr.ValidationError("code", "required")
	}
	if r.storage == nil {
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}

	ctxStorage, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rc, err := r.storage.GetObject(ctxStorage, r.bucket, msg.SourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", appErr.ValidationError("sourceKey", "object not found")
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "download source failed")
	}
	defer rc.Close()

	var reader io.Reader = rc
	if strings.HasSuffix(msg.SourceKey, compressedSuffix) {
		dec, err := zstd.NewReader(rc)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.StorageError, "open zstd stream failed")
		}
		defer dec.Close()
		reader = dec
	}
	if r.maxBytes > 0 {
		reader = io.LimitReader(reader, r.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, zstd.ErrMagicMismatch) {
			return "", appErr.ValidationError("sourceKey", "object is not zstd-compressed")
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "read source failed")
	}
	if r.maxBytes > 0 && int64(len(data)) > r.maxBytes {
		return "", appErr.Newf(appErr.CodeTooLarge, "source exceeds %d bytes", r.maxBytes)
	}
	if err := checkHash(data, msg.SourceHash); err != nil {
		return "", err
	}
	return string(data), nil
}

// Check verifies that the source object of msg exists and is not obviously
// oversized. Inline sources need no check.
func (r *SourceResolver) Check(ctx context.Context, msg model.JudgeMessage) error {
	if msg.Code != "" || msg.SourceKey == "" {
		return nil
	}
	if r.storage == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("object storage is not configured")
	}
	ctxStorage, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stat, err := r.storage.StatObject(ctxStorage, r.bucket, msg.SourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return appErr.ValidationError("sourceKey", "object not found")
		}
		return appErr.Wrapf(err, appErr.StorageError, "stat source failed")
	}
	// Compressed objects are checked against the limit after decoding.
	if r.maxBytes > 0 && !strings.HasSuffix(msg.SourceKey, compressedSuffix) && stat.SizeBytes > r.maxBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source is %d bytes, limit is %d", stat.SizeBytes, r.maxBytes)
	}
	return nil
}

func checkHash(data []byte, want string) error {
	if want == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), want) {
		return appErr.New(appErr.SourceHashMismatch).WithMessage("source hash mismatch")
	}
	return nil
}
