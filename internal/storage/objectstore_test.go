package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock S3 ---

type mockS3 struct {
	inputs   []*s3.GetObjectInput
	body     []byte
	encoding string
	err      error
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(m.body))}
	if m.encoding != "" {
		out.ContentEncoding = aws.String(m.encoding)
	}
	return out, nil
}

const payloadB64 = "eyJwb2RJZCI6MX0="

func TestObjectStore_GetPayloadPlain(t *testing.T) {
	m := &mockS3{body: []byte(payloadB64 + "\n")}
	store := NewObjectStore(m, 0)

	got, err := store.GetPayload(context.Background(), "bucket", "key/1")
	require.NoError(t, err)
	assert.Equal(t, payloadB64, got)
	require.Len(t, m.inputs, 1)
	assert.Equal(t, "bucket", aws.ToString(m.inputs[0].Bucket))
	assert.Equal(t, "key/1", aws.ToString(m.inputs[0].Key))
}

func TestObjectStore_GetPayloadGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(payloadB64))
	require.NoError(t, zw.Close())

	for _, encoding := range []string{"gzip", ""} {
		store := NewObjectStore(&mockS3{body: buf.Bytes(), encoding: encoding}, 0)
		got, err := store.GetPayload(context.Background(), "b", "k")
		require.NoError(t, err, "encoding %q", encoding)
		assert.Equal(t, payloadB64, got)
	}
}

func TestObjectStore_GetPayloadZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(payloadB64), nil)
	require.NoError(t, enc.Close())

	store := NewObjectStore(&mockS3{body: compressed}, 0)
	got, err := store.GetPayload(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.Equal(t, payloadB64, got)
}

func TestObjectStore_Errors(t *testing.T) {
	store := NewObjectStore(&mockS3{err: errors.New("AccessDenied")}, 0)
	_, err := store.GetPayload(context.Background(), "b", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://b/k")

	_, err = store.GetPayload(context.Background(), "", "k")
	assert.Error(t, err)

	big := NewObjectStore(&mockS3{body: []byte(strings.Repeat("a", 11))}, 10)
	_, err = big.GetPayload(context.Background(), "b", "k")
	assert.ErrorContains(t, err, "exceeds 10 bytes")
}

func TestObjectStore_DecompressedSizeIsBounded(t *testing.T) {
	plain := []byte(strings.Repeat("a", 1000))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write(plain)
	require.NoError(t, zw.Close())
	require.Less(t, gz.Len(), 100)

	store := NewObjectStore(&mockS3{body: gz.Bytes(), encoding: "gzip"}, 100)
	_, err := store.GetPayload(context.Background(), "b", "k")
	assert.ErrorContains(t, err, "gzip")

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(plain, nil)
	require.NoError(t, enc.Close())
	require.Less(t, len(compressed), 100)

	store = NewObjectStore(&mockS3{body: compressed}, 100)
	_, err = store.GetPayload(context.Background(), "b", "k")
	assert.ErrorContains(t, err, "zstd")
}
