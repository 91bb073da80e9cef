package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/provider"
	"github.com/3leaps/goflume/pkg/provider/file"
	"github.com/3leaps/goflume/pkg/provider/s3"
	"github.com/3leaps/goflume/pkg/value"
)

// Opener returns a provider able to read loc.
type Opener func(ctx context.Context, loc provider.Location) (provider.Provider, error)

// DefaultOpener opens S3 buckets with defaults and file URIs rooted at /.
func DefaultOpener(defaults s3.Defaults) Opener {
	return func(ctx context.Context, loc provider.Location) (provider.Provider, error) {
		switch loc.Type {
		case provider.ProviderS3:
			return s3.New(ctx, defaults.ForBucket(loc.Bucket))
		case provider.ProviderFile:
			return file.New(file.Config{BaseDir: "/"})
		default:
			return nil, fmt.Errorf("unsupported provider %q", loc.Type)
		}
	}
}

// Localizer makes File and Directory inputs local: URIs are downloaded into
// the run's inputs directory and plain paths are made absolute.
type Localizer struct {
	open   Opener
	logger *zap.Logger
}

func NewLocalizer(open Opener, logger *zap.Logger) *Localizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Localizer{open: open, logger: logger}
}

// Localize returns a copy of inputs whose path values are absolute local
// paths. Downloads land in dir/<input>/..., with array items in numbered
// subdirectories.
func (l *Localizer) Localize(ctx context.Context, inputs value.Object, dir string) (value.Object, error) {
	out := make(value.Object, len(inputs))
	for _, name := range inputs.Keys() {
		v, err := l.localize(ctx, inputs[name], filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (l *Localizer) localize(ctx context.Context, v value.Value, dest string) (value.Value, error) {
	switch v.Kind {
	case value.KindFile, value.KindDirectory:
		return l.localizePath(ctx, v, dest)
	case value.KindArray:
		items := make([]value.Value, len(v.Items))
		for i, item := range v.Items {
			lv, err := l.localize(ctx, item, filepath.Join(dest, strconv.Itoa(i)))
			if err != nil {
				return value.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = lv
		}
		return value.Array(items...), nil
	case value.KindObject:
		fields := make(value.Object, len(v.Fields))
		for _, k := range v.Fields.Keys() {
			lv, err := l.localize(ctx, v.Fields[k], filepath.Join(dest, k))
			if err != nil {
				return value.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = lv
		}
		return value.Struct(fields), nil
	default:
		return v, nil
	}
}

func (l *Localizer) localizePath(ctx context.Context, v value.Value, dest string) (value.Value, error) {
	if !provider.IsURI(v.Str) {
		abs, err := filepath.Abs(v.Str)
		if err != nil {
			return value.Value{}, err
		}
		st, err := os.Stat(abs)
		if err != nil {
			return value.Value{}, err
		}
		if st.IsDir() != (v.Kind == value.KindDirectory) {
			return value.Value{}, fmt.Errorf("%s: wrong kind for %s input", abs, v.Kind)
		}
		v.Str = abs
		return v, nil
	}

	if l.open == nil {
		return value.Value{}, errors.New("remote inputs are not enabled")
	}
	loc, err := provider.ParseURI(v.Str)
	if err != nil {
		return value.Value{}, err
	}
	p, err := l.open(ctx, loc)
	if err != nil {
		return value.Value{}, err
	}
	defer func() { _ = p.Close() }()

	log := l.logger.With(zap.String("uri", loc.String()))
	if v.Kind == value.KindDirectory {
		n, err := fetchPrefix(ctx, p, fileKey(loc), dest)
		if err != nil {
			return value.Value{}, err
		}
		log.Debug("Localized directory input", zap.Int("objects", n))
		return value.Directory(dest), nil
	}

	if loc.IsPrefix() {
		return value.Value{}, fmt.Errorf("%s names a prefix; declare the input as Directory", loc)
	}
	target := filepath.Join(dest, path.Base(loc.Key))
	size, err := fetchObject(ctx, p, fileKey(loc), target)
	if err != nil {
		return value.Value{}, err
	}
	log.Debug("Localized file input", zap.Int64("bytes", size))
	return value.File(target), nil
}

// fileKey maps a location to the key its provider expects; file providers
// are rooted at / and take keys without the leading slash.
func fileKey(loc provider.Location) string {
	if loc.Type == provider.ProviderFile {
		return strings.TrimPrefix(loc.Key, "/")
	}
	return loc.Key
}

func fetchPrefix(ctx context.Context, p provider.Provider, prefix, dest string) (int, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	// #nosec G301 -- inputs are read by task processes
	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}

	n := 0
	opts := provider.ListOptions{Prefix: prefix}
	for {
		page, err := p.List(ctx, opts)
		if err != nil {
			return n, err
		}
		for _, obj := range page.Objects {
			rel := strings.TrimPrefix(obj.Key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			target := filepath.Join(dest, filepath.FromSlash(rel))
			if !strings.HasPrefix(target, dest+string(filepath.Separator)) {
				return n, fmt.Errorf("object key %q escapes the input directory", obj.Key)
			}
			if _, err := fetchObject(ctx, p, obj.Key, target); err != nil {
				return n, err
			}
			n++
		}
		if !page.IsTruncated || page.ContinuationToken == "" {
			return n, nil
		}
		opts.ContinuationToken = page.ContinuationToken
	}
}

func fetchObject(ctx context.Context, p provider.Provider, key, target string) (int64, error) {
	obj, err := provider.Download(ctx, p, key, target)
	if err != nil {
		return 0, err
	}
	return obj.Size, nil
}
