// Copyright 2026 Dominik Schlosser
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

// Package bitstring maintains the compressed bit-vector backing a
// credential template's status list (RFC 9596, 1 bit per entry). Bit
// position i records the claim/revocation state of the credential
// issued at application index i.
package bitstring

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
)

// DefaultSize is the uncompressed vector size in bytes (131072 entries).
const DefaultSize = 16 * 1024

// New returns an all-zero bit-vector of size bytes.
func New(size int) []byte {
	if size <= 0 {
		size = DefaultSize
	}
	return make([]byte, size)
}

// Decode expands a base64url, zlib-compressed bit-vector. An empty
// encoding decodes to a fresh default-size vector.
func Decode(encoded string) ([]byte, error) {
	if encoded == "" {
		return New(DefaultSize), nil
	}

	compressed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		compressed, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding bit-vector: %w", err)
	}

	return decompress(compressed)
}

// Encode compresses a bit-vector with zlib and encodes it as base64url
// without padding.
func Encode(bits []byte) (string, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", fmt.Errorf("creating zlib writer: %w", err)
	}
	if _, err := w.Write(bits); err != nil {
		return "", fmt.Errorf("compressing bit-vector: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing zlib writer: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Get reports whether bit idx is set.
func Get(bits []byte, idx int) (bool, error) {
	byteIdx, mask, err := locate(bits, idx)
	if err != nil {
		return false, err
	}
	return bits[byteIdx]&mask != 0, nil
}

// Set writes bit idx in place.
func Set(bits []byte, idx int, value bool) error {
	byteIdx, mask, err := locate(bits, idx)
	if err != nil {
		return err
	}
	if value {
		bits[byteIdx] |= mask
	} else {
		bits[byteIdx] &^= mask
	}
	return nil
}

// locate maps a bit index to its byte offset and mask. Bits are
// LSB-first within each byte.
func locate(bits []byte, idx int) (int, byte, error) {
	if idx < 0 {
		return 0, 0, fmt.Errorf("negative bit index %d", idx)
	}
	byteIdx := idx / 8
	if byteIdx >= len(bits) {
		return 0, 0, fmt.Errorf("bit index %d out of range (vector length: %d bytes)", idx, len(bits))
	}
	return byteIdx, 1 << (idx % 8), nil
}

// decompress reads zlib data, falling back to raw DEFLATE for vectors
// written without the zlib header.
func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err == nil {
		defer r.Close()
		return io.ReadAll(r)
	}

	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("decompressing bit-vector: %w", err)
	}
	return out, nil
}
