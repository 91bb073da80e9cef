// Package digest computes content-derived identities for files and directories.
//
// A digest is the cache key primitive: two paths with the same digest are
// treated as interchangeable inputs. File digests hash the full file content.
// Directory digests fold in every entry's relative path, its type, and (for
// files) its content hash, walking entries in sorted order so that creation
// order never matters but adds, removes and renames always do.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Kind distinguishes file digests from directory digests.
type Kind uint8

const (
	// KindFile is the digest of a single file's content.
	KindFile Kind = iota + 1
	// KindDirectory is the digest of a directory tree.
	KindDirectory
)

// String returns the string form used in serialized digests.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// Size is the length in bytes of a digest hash.
const Size = 32

// Digest is a tagged content hash: File(hash) or Directory(hash).
type Digest struct {
	Kind Kind
	Hash [Size]byte
}

// File returns a file digest for the given hash.
func File(h [Size]byte) Digest { return Digest{Kind: KindFile, Hash: h} }

// Directory returns a directory digest for the given hash.
func Directory(h [Size]byte) Digest { return Digest{Kind: KindDirectory, Hash: h} }

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool { return d.Kind == 0 }

// Hex returns the hex encoding of the hash without the kind tag.
func (d Digest) Hex() string { return hex.EncodeToString(d.Hash[:]) }

// String returns "file:<hex>" or "directory:<hex>".
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Kind.String() + ":" + d.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ErrInvalidDigest is returned by Parse for malformed input.
var ErrInvalidDigest = errors.New("invalid digest")

// Parse parses the String form of a digest.
func Parse(s string) (Digest, error) {
	kind, h, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}

	var d Digest
	switch kind {
	case "file":
		d.Kind = KindFile
	case "directory":
		d.Kind = KindDirectory
	default:
		return Digest{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDigest, kind)
	}

	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != Size {
		return Digest{}, fmt.Errorf("%w: bad hash %q", ErrInvalidDigest, h)
	}
	copy(d.Hash[:], raw)
	return d, nil
}

// hashKey keys every content hash so goflume digests never collide with
// plain BLAKE3 sums of the same bytes.
var hashKey = blake3.Sum256([]byte("goflume/digest/v1"))

// NewHasher returns a keyed BLAKE3 hasher shared by digests and cache keys.
func NewHasher() hash.Hash {
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		// Only reachable with a key that is not 32 bytes.
		panic(fmt.Sprintf("digest: keyed hasher: %v", err))
	}
	return h
}

func sum(h hash.Hash) [Size]byte {
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashFileContent returns the keyed hash of a file's full content.
func hashFileContent(path string) ([Size]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [Size]byte{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return [Size]byte{}, fmt.Errorf("read %s: %w", path, err)
	}
	return sum(h), nil
}

func writeString(h hash.Hash, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

func writeUint64(h hash.Hash, v uint64) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], v)
	_, _ = h.Write(n[:])
}
