package provider

import (
	"context"
	"crypto/md5" // #nosec G501 -- S3 single-part ETags are MD5 digests
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Download streams key from p into target. Content lands in a temporary
// file beside target and is renamed into place only after its length
// matches the reported size and, for single-part ETags, its MD5 matches
// the ETag. A failed download leaves nothing at target.
func Download(ctx context.Context, p Provider, key, target string) (*ObjectSummary, error) {
	body, obj, err := p.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	dir := filepath.Dir(target)
	// #nosec G301 -- localized inputs are read by task processes
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	var sum hash.Hash
	w := io.Writer(tmp)
	if md5ETag(obj.ETag) {
		sum = md5.New() // #nosec G401 -- integrity check against the provider's ETag
		w = io.MultiWriter(tmp, sum)
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	if obj.Size >= 0 && n != obj.Size {
		return nil, fmt.Errorf("download %s: got %d bytes, expected %d: %w", key, n, obj.Size, ErrIntegrity)
	}
	if sum != nil {
		if got := hex.EncodeToString(sum.Sum(nil)); !strings.EqualFold(got, obj.ETag) {
			return nil, fmt.Errorf("download %s: md5 %s, etag %s: %w", key, got, obj.ETag, ErrIntegrity)
		}
	}
	if err := os.Rename(tmpName, target); err != nil {
		return nil, err
	}

	out := *obj
	out.Size = n
	return &out, nil
}

// md5ETag reports whether etag is a plain MD5 hex digest. Multipart and
// SSE-KMS uploads carry other ETag forms that cannot be checked locally.
func md5ETag(etag string) bool {
	if len(etag) != 2*md5.Size {
		return false
	}
	_, err := hex.DecodeString(etag)
	return err == nil
}

// ctxReader stops a copy once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
