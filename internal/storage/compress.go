// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"agentfs/internal/config"
)

// Codec identifies how a blob body is encoded on disk. The tag is the
// first byte of every stored blob; changing the values breaks existing
// host stores.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// CodecFor maps the configured spill compression to a codec.
func CodecFor(c config.Compression) Codec {
	switch c {
	case config.CompressionLZ4:
		return CodecLZ4
	case config.CompressionZstd:
		return CodecZstd
	default:
		return CodecNone
	}
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode frames data as tag byte, uvarint raw length, body. Data that does
// not shrink under the requested codec is stored raw.
func Encode(data []byte, codec Codec) []byte {
	body, used := data, CodecNone
	switch codec {
	case CodecLZ4:
		if out, err := compressLZ4(data); err == nil {
			body, used = out, CodecLZ4
		}
	case CodecZstd:
		if out, err := compressZstd(data); err == nil {
			body, used = out, CodecZstd
		}
	}
	out := make([]byte, 1+binary.MaxVarintLen64, 1+binary.MaxVarintLen64+len(body))
	out[0] = byte(used)
	n := binary.PutUvarint(out[1:], uint64(len(data)))
	out = append(out[:1+n], body...)
	return out
}

// Decode reverses Encode and verifies the recorded length.
func Decode(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}
	codec := Codec(blob[0])
	size, n := binary.Uvarint(blob[1:])
	if n <= 0 {
		return nil, fmt.Errorf("blob header: bad length")
	}
	body := blob[1+n:]
	switch codec {
	case CodecNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("raw blob: size %d does not match expected %d", len(body), size)
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case CodecLZ4:
		return decompressLZ4(body, int(size))
	case CodecZstd:
		return decompressZstd(body, int(size))
	default:
		return nil, fmt.Errorf("unsupported codec tag: %d", codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
