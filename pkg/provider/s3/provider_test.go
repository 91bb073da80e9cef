package s3

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- S3 ETag scheme
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goflume/pkg/provider"
)

// fakeBucket serves objects from memory the way S3 pages ListObjectsV2.
type fakeBucket struct {
	objects map[string]string
	// etags overrides the computed ETag for a key.
	etags map[string]string
	err   error

	listCalls []*s3.ListObjectsV2Input
}

func (f *fakeBucket) etag(key string) string {
	if e, ok := f.etags[key]; ok {
		return e
	}
	sum := md5.Sum([]byte(f.objects[key])) // #nosec G401
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls = append(f.listCalls, in)
	if f.err != nil {
		return nil, f.err
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	limit := int(aws.ToInt32(in.MaxKeys))
	if len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[limit-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			ETag:         aws.String(f.etag(k)),
			LastModified: aws.Time(time.Unix(0, 0)),
		})
	}
	return out, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: aws.Int64(int64(len(body))),
		ETag:          aws.String(f.etag(aws.ToString(in.Key))),
	}, nil
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestProvider_ListPagesAndSkipsMarkers(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{
		"reads/":          "",
		"reads/a.fq":      "a",
		"reads/b.fq":      "bb",
		"reads/lane/c.fq": "ccc",
		"ref.fa":          "ACGT",
	}}
	p := NewWithAPI("data", bucket, 0)
	ctx := context.Background()

	first, err := p.List(ctx, provider.ListOptions{Prefix: "reads/", MaxKeys: 3})
	require.NoError(t, err)
	assert.True(t, first.IsTruncated)
	require.Len(t, first.Objects, 2, "the reads/ marker is skipped")
	assert.Equal(t, "reads/a.fq", first.Objects[0].Key)
	assert.Equal(t, int64(2), first.Objects[1].Size)
	assert.NotContains(t, first.Objects[0].ETag, `"`)

	second, err := p.List(ctx, provider.ListOptions{Prefix: "reads/", MaxKeys: 3, ContinuationToken: first.ContinuationToken})
	require.NoError(t, err)
	assert.False(t, second.IsTruncated)
	assert.Empty(t, second.ContinuationToken)
	require.Len(t, second.Objects, 1)
	assert.Equal(t, "reads/lane/c.fq", second.Objects[0].Key)

	_, err = p.List(ctx, provider.ListOptions{MaxKeys: 5000})
	require.NoError(t, err)
	last := bucket.listCalls[len(bucket.listCalls)-1]
	assert.Equal(t, int32(MaxAllowedKeys), aws.ToInt32(last.MaxKeys))
	assert.Nil(t, last.Prefix)
	assert.Equal(t, "data", aws.ToString(last.Bucket))
}

func TestProvider_DownloadChecksETag(t *testing.T) {
	bucket := &fakeBucket{
		objects: map[string]string{"ref.fa": "ACGT", "bad.fa": "ACGT", "big.bam": "multipart"},
		etags: map[string]string{
			"bad.fa":  `"00000000000000000000000000000000"`,
			"big.bam": `"9b2cf535f27731c974343645a3985328-3"`,
		},
	}
	p := NewWithAPI("data", bucket, 0)
	ctx := context.Background()
	dir := t.TempDir()

	obj, err := provider.Download(ctx, p, "ref.fa", filepath.Join(dir, "ref.fa"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), obj.Size)
	b, err := os.ReadFile(filepath.Join(dir, "ref.fa"))
	require.NoError(t, err)
	assert.Equal(t, "ACGT", string(b))

	_, err = provider.Download(ctx, p, "bad.fa", filepath.Join(dir, "bad.fa"))
	assert.ErrorIs(t, err, provider.ErrIntegrity)
	assert.NoFileExists(t, filepath.Join(dir, "bad.fa"))

	_, err = provider.Download(ctx, p, "big.bam", filepath.Join(dir, "big.bam"))
	require.NoError(t, err, "multipart ETags are not MD5 digests")

	_, err = provider.Download(ctx, p, "missing", filepath.Join(dir, "missing"))
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_WrapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{&types.NoSuchKey{}, provider.ErrNotFound},
		{&types.NotFound{}, provider.ErrNotFound},
		{&types.NoSuchBucket{}, provider.ErrBucketNotFound},
		{&apiError{"AccessDenied"}, provider.ErrAccessDenied},
		{&apiError{"ExpiredToken"}, provider.ErrInvalidCredentials},
		{&apiError{"SlowDown"}, provider.ErrThrottled},
		{&apiError{"InternalError"}, provider.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		p := NewWithAPI("data", &fakeBucket{err: tt.err}, 0)
		_, _, err := p.GetObject(context.Background(), "k")
		assert.ErrorIs(t, err, tt.want, "%T %v", tt.err, tt.err)

		var pe *provider.ProviderError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "data", pe.Bucket)
		assert.Equal(t, "GetObject", pe.Op)
	}

	other := errors.New("connection reset")
	p := NewWithAPI("data", &fakeBucket{err: other}, 0)
	_, err := p.List(context.Background(), provider.ListOptions{Prefix: "x/"})
	assert.ErrorIs(t, err, other)
	assert.False(t, provider.IsRetryable(err))
}

func TestDefaults_ForBucket(t *testing.T) {
	d := Defaults{Region: "eu-west-1", Endpoint: "http://localhost:9000", Profile: "lab", ForcePathStyle: true}
	cfg := d.ForBucket("inputs")
	assert.Equal(t, Config{
		Bucket:         "inputs",
		Region:         "eu-west-1",
		Endpoint:       "http://localhost:9000",
		Profile:        "lab",
		ForcePathStyle: true,
	}, cfg)
	assert.NoError(t, cfg.Validate())

	cfg = Defaults{}.ForBucket("")
	var ce *ConfigError
	require.ErrorAs(t, cfg.Validate(), &ce)
	assert.Equal(t, "Bucket", ce.Field)

	cfg = Config{Bucket: "b", AccessKeyID: "AKIA"}
	assert.Error(t, cfg.Validate())
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Empty(t, resolveRegion("http://localhost:9000", ""))
}
