// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding names a body compression.
type Encoding string

const (
	EncodingNone Encoding = "none"
	EncodingGzip Encoding = "gzip"
	EncodingZstd Encoding = "zstd"
	EncodingLZ4  Encoding = "lz4"
)

// DefaultThreshold is the body size at or below which compression is
// not attempted.
const DefaultThreshold = 1024

// ParseEncoding parses an encoding name. The empty string selects gzip.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", EncodingGzip:
		return EncodingGzip, nil
	case EncodingNone, EncodingZstd, EncodingLZ4:
		return Encoding(name), nil
	default:
		return "", fmt.Errorf("payload: unknown encoding %q", name)
	}
}

// ContentType returns the Content-Type of a body in this encoding.
func (e Encoding) ContentType() string {
	switch e {
	case EncodingGzip:
		return "application/gzip"
	case EncodingZstd:
		return "application/zstd"
	case EncodingLZ4:
		return "application/x-lz4"
	default:
		return "application/json"
	}
}

// ContentEncoding returns the Content-Encoding header value, or "" for
// an uncompressed body.
func (e Encoding) ContentEncoding() string {
	switch e {
	case EncodingGzip, EncodingZstd, EncodingLZ4:
		return string(e)
	default:
		return ""
	}
}

// Options configures Compress.
type Options struct {
	// Encoding selects the compressor. Empty means gzip; EncodingNone
	// disables compression.
	Encoding Encoding

	// Threshold is the size in bytes a body must exceed before
	// compression is attempted. Zero means DefaultThreshold.
	Threshold int

	// Logger receives compressor failures. Nil discards.
	Logger *slog.Logger
}

// Result is the output of Compress.
type Result struct {
	Payload    []byte
	Compressed bool
	// Encoding is EncodingNone when Compressed is false.
	Encoding Encoding
}

// Compress compresses data when it is larger than the threshold and
// the compressed form is strictly smaller. On any compressor failure
// the data is returned uncompressed.
func Compress(data []byte, options Options) Result {
	uncompressed := Result{Payload: data, Encoding: EncodingNone}

	encoding := options.Encoding
	if encoding == "" {
		encoding = EncodingGzip
	}
	threshold := options.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if encoding == EncodingNone || len(data) <= threshold {
		return uncompressed
	}

	compressed, err := compress(data, encoding)
	if err != nil {
		if options.Logger != nil {
			options.Logger.Warn("compression failed, sending uncompressed",
				"encoding", string(encoding), "size", len(data), "error", err)
		}
		return uncompressed
	}
	if len(compressed) >= len(data) {
		return uncompressed
	}
	return Result{Payload: compressed, Compressed: true, Encoding: encoding}
}

// zstdEncoder and zstdDecoder are shared; both are safe for concurrent
// use through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("payload: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("payload: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingGzip:
		var buffer bytes.Buffer
		writer := gzip.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buffer.Bytes(), nil

	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	case EncodingLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// ErrUnsupportedEncoding is returned by Decompress for an unknown
// encoding.
var ErrUnsupportedEncoding = errors.New("payload: unsupported encoding")

// Decompress reverses Compress. EncodingNone and the empty encoding
// return the payload unchanged.
func Decompress(payload []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case "", EncodingNone:
		return payload, nil

	case EncodingGzip:
		reader, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("payload: gzip decompress: %w", err)
		}
		defer reader.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("payload: gzip decompress: %w", err)
		}
		return data, nil

	case EncodingZstd:
		data, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("payload: zstd decompress: %w", err)
		}
		return data, nil

	case EncodingLZ4:
		data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, fmt.Errorf("payload: lz4 decompress: %w", err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}
