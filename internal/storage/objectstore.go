// Package storage reads very large payloads that producers parked in S3.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// S3API is the subset of the S3 client used by ObjectStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ObjectStore fetches payload objects. Objects may be stored plain or
// compressed with gzip or zstd; compression is detected from the content
// encoding or, failing that, from the leading magic bytes.
type ObjectStore struct {
	client      S3API
	maxBytes    int64
	decoderPool sync.Pool
}

// DefaultMaxObjectBytes bounds how much of an object is read into memory.
const DefaultMaxObjectBytes = 64 << 20

// NewObjectStore creates an ObjectStore. maxBytes <= 0 uses DefaultMaxObjectBytes.
func NewObjectStore(client S3API, maxBytes int64) *ObjectStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &ObjectStore{
		client:   client,
		maxBytes: maxBytes,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
					zstd.WithDecoderMaxMemory(uint64(maxBytes)),
				)
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// GetPayload returns the object content as text. The content is the base64
// payload exactly as the producer wrote it.
func (s *ObjectStore) GetPayload(ctx context.Context, bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("storage: missing object location (bucket=%q key=%q)", bucket, key)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("storage: get object s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("storage: read object s3://%s/%s: %w", bucket, key, err)
	}
	if int64(len(raw)) > s.maxBytes {
		return "", fmt.Errorf("storage: object s3://%s/%s exceeds %d bytes", bucket, key, s.maxBytes)
	}

	body, err := s.decode(raw, aws.ToString(out.ContentEncoding))
	if err != nil {
		return "", fmt.Errorf("storage: decode object s3://%s/%s: %w", bucket, key, err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (s *ObjectStore) decode(raw []byte, contentEncoding string) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch {
	case enc == "gzip" || (enc == "" && bytes.HasPrefix(raw, gzipMagic)):
		return s.gunzip(raw)
	case enc == "zstd" || (enc == "" && bytes.HasPrefix(raw, zstdMagic)):
		return s.decompressZstd(raw)
	default:
		return raw, nil
	}
}

func (s *ObjectStore) gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if int64(len(out)) > s.maxBytes {
		return nil, fmt.Errorf("gzip: decompressed size exceeds %d bytes", s.maxBytes)
	}
	return out, nil
}

func (s *ObjectStore) decompressZstd(raw []byte) ([]byte, error) {
	decoder := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if int64(len(out)) > s.maxBytes {
		return nil, fmt.Errorf("zstd: decompressed size exceeds %d bytes", s.maxBytes)
	}
	return out, nil
}
