package storage

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/config"
)

func TestCodecString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "none", CodecNone.String())
	assert.Equal(t, "lz4", CodecLZ4.String())
	assert.Equal(t, "zstd", CodecZstd.String())
	assert.Equal(t, "unknown(9)", Codec(9).String())
}

func TestCodecFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CodecZstd, CodecFor(config.CompressionZstd))
	assert.Equal(t, CodecLZ4, CodecFor(config.CompressionLZ4))
	assert.Equal(t, CodecNone, CodecFor(config.CompressionNone))
	assert.Equal(t, CodecNone, CodecFor(""))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	text := bytes.Repeat([]byte("upper content, compressible line\n"), 200)
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name  string
		data  []byte
		codec Codec
		want  Codec
	}{
		{"none", text, CodecNone, CodecNone},
		{"zstd text", text, CodecZstd, CodecZstd},
		{"lz4 text", text, CodecLZ4, CodecLZ4},
		{"zstd random falls back", random, CodecZstd, CodecNone},
		{"lz4 random falls back", random, CodecLZ4, CodecNone},
		{"empty", nil, CodecZstd, CodecNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			blob := Encode(tt.data, tt.codec)
			assert.Equal(t, byte(tt.want), blob[0])
			got, err := Decode(blob)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(got))
			assert.True(t, bytes.Equal(tt.data, got))
		})
	}
}

func TestEncodeShrinksText(t *testing.T) {
	t.Parallel()
	text := bytes.Repeat([]byte("aaaaaaaaaaaaaaaa"), 1024)
	assert.Less(t, len(Encode(text, CodecZstd)), len(text)/10)
}

func TestDecodeRejectsCorruptBlobs(t *testing.T) {
	t.Parallel()
	_, err := Decode(nil)
	assert.Error(t, err)

	blob := Encode([]byte("hello"), CodecNone)
	_, err = Decode(blob[:len(blob)-1])
	assert.Error(t, err, "truncated raw body")

	bad := append([]byte{}, blob...)
	bad[0] = 7
	_, err = Decode(bad)
	assert.Error(t, err, "unknown codec")

	text := bytes.Repeat([]byte("zstd body "), 100)
	z := Encode(text, CodecZstd)
	z[len(z)-1] ^= 0xff
	_, err = Decode(z)
	assert.Error(t, err)
}
