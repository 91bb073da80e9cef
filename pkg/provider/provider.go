// Package provider abstracts read access to object storage so workflow inputs
// referenced by URI can be fetched into a run's workspace.
//
// Authentication uses SDK default credential chains; providers do not
// implement custom auth logic.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Provider reads objects from one bucket (or one local base directory).
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns a page of objects with the given prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// GetObject streams an object's content. The summary carries the size
	// and ETag the provider reported for this read, so a download can be
	// checked against them.
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectSummary, error)

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects per page. Zero uses the provider
	// default.
	MaxKeys int
}

// ListResult is one page of a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken retrieves the next page; empty when done.
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary describes one object. Size is -1 when unknown; ETag is
// empty when the provider has none.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}

// Location is a parsed object URI.
type Location struct {
	Type ProviderType

	// Bucket is the S3 bucket; empty for file URIs.
	Bucket string

	// Key is the object key (S3) or absolute path (file). A trailing slash
	// marks a prefix.
	Key string
}

// IsPrefix reports whether the location names a prefix rather than an
// object.
func (l Location) IsPrefix() bool {
	return l.Key == "" || strings.HasSuffix(l.Key, "/")
}

func (l Location) String() string {
	if l.Type == ProviderFile {
		return "file://" + l.Key
	}
	return fmt.Sprintf("%s://%s/%s", l.Type, l.Bucket, l.Key)
}

// IsURI reports whether s looks like a supported object URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://") || strings.HasPrefix(s, "file://")
}

// ParseURI parses s3://bucket/key and file:///abs/path URIs.
func ParseURI(raw string) (Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("invalid uri %q: bucket is required", raw)
		}
		return Location{Type: ProviderS3, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("invalid uri %q: remote file hosts are not supported", raw)
		}
		if !strings.HasPrefix(u.Path, "/") {
			return Location{}, fmt.Errorf("invalid uri %q: path must be absolute", raw)
		}
		return Location{Type: ProviderFile, Key: u.Path}, nil
	default:
		return Location{}, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
}
