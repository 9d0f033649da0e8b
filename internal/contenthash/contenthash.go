// Package contenthash computes the digests used to verify and sign transfers:
// MD5 and SHA-256 over file ranges, and the multipart composite hash that
// object stores report as ETag.
package contenthash

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the object store's content hash, not a security primitive
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// EmptySHA256 is the hex SHA-256 of an empty payload.
const EmptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// MD5Range returns the MD5 digest of length bytes of r starting at offset.
func MD5Range(r io.ReaderAt, offset, length int64) ([]byte, error) {
	return digestRange(md5.New(), r, offset, length) //nolint:gosec // see import
}

// SHA256Range returns the SHA-256 digest of length bytes of r starting at offset.
func SHA256Range(r io.ReaderAt, offset, length int64) ([]byte, error) {
	return digestRange(sha256.New(), r, offset, length)
}

func digestRange(h hash.Hash, r io.ReaderAt, offset, length int64) ([]byte, error) {
	n, err := io.Copy(h, io.NewSectionReader(r, offset, length))
	if err != nil {
		return nil, fmt.Errorf("read range %d+%d: %w", offset, length, err)
	}
	if n != length {
		return nil, fmt.Errorf("read range %d+%d: %w", offset, length, io.ErrUnexpectedEOF)
	}
	return h.Sum(nil), nil
}

// SHA256Hex returns the hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentMD5 returns the base64 encoding used by the Content-MD5 header.
func ContentMD5(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// ETag computes the hash an object store reports for content of the given
// length uploaded in parts of partSize bytes. Content that fits into a
// single part hashes to its hex MD5. Larger content hashes to the hex MD5 of
// the concatenated binary part MD5s followed by "-" and the part count.
//
// Part digests are computed concurrently, at most concurrency at a time
// (GOMAXPROCS when concurrency <= 0).
func ETag(ctx context.Context, r io.ReaderAt, length, partSize int64, concurrency int) (string, error) {
	if partSize <= 0 {
		return "", fmt.Errorf("part size must be positive, got %d", partSize)
	}

	partCount := (length + partSize - 1) / partSize
	if partCount <= 1 {
		sum, err := MD5Range(r, 0, length)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sum), nil
	}

	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	digests := make([][]byte, partCount)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range partCount {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			offset := i * partSize
			sum, err := MD5Range(r, offset, min(partSize, length-offset))
			if err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			digests[i] = sum
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	return Composite(digests), nil
}

// Composite combines binary part MD5 digests, in part order, into the
// multipart hash "hex(md5(d0||d1||...))-N".
func Composite(digests [][]byte) string {
	h := md5.New() //nolint:gosec // see import
	for _, d := range digests {
		h.Write(d)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(digests))
}
