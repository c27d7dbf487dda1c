// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func compressible(size int) []byte {
	return []byte(strings.Repeat(`{"type":"custom","data":{"k":"v"}},`, size/34+1))[:size]
}

func TestCompressRoundTrip(t *testing.T) {
	data := compressible(8192)
	for _, encoding := range []Encoding{EncodingGzip, EncodingZstd, EncodingLZ4} {
		t.Run(string(encoding), func(t *testing.T) {
			result := Compress(data, Options{Encoding: encoding})
			if !result.Compressed || result.Encoding != encoding {
				t.Fatalf("result = compressed %v encoding %s", result.Compressed, result.Encoding)
			}
			if len(result.Payload) >= len(data) {
				t.Fatalf("compressed %d bytes to %d", len(data), len(result.Payload))
			}
			restored, err := Decompress(result.Payload, result.Encoding)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Fatal("round trip changed the data")
			}
		})
	}
}

func TestCompressBelowThreshold(t *testing.T) {
	data := compressible(DefaultThreshold)
	result := Compress(data, Options{})
	if result.Compressed || result.Encoding != EncodingNone {
		t.Fatalf("body of exactly the threshold was compressed")
	}
	if !bytes.Equal(result.Payload, data) {
		t.Fatal("uncompressed payload differs from input")
	}
}

func TestCompressKeepsIncompressible(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	result := Compress(data, Options{Encoding: EncodingGzip})
	if result.Compressed {
		t.Fatalf("random data reported compressed (%d → %d)", len(data), len(result.Payload))
	}
	if !bytes.Equal(result.Payload, data) {
		t.Fatal("incompressible payload was altered")
	}
}

func TestCompressDisabled(t *testing.T) {
	result := Compress(compressible(8192), Options{Encoding: EncodingNone})
	if result.Compressed {
		t.Fatal("EncodingNone compressed the body")
	}
}

func TestEncodingHeaders(t *testing.T) {
	tests := []struct {
		encoding        Encoding
		contentType     string
		contentEncoding string
	}{
		{EncodingNone, "application/json", ""},
		{EncodingGzip, "application/gzip", "gzip"},
		{EncodingZstd, "application/zstd", "zstd"},
		{EncodingLZ4, "application/x-lz4", "lz4"},
	}
	for _, test := range tests {
		if got := test.encoding.ContentType(); got != test.contentType {
			t.Errorf("%s ContentType = %q, want %q", test.encoding, got, test.contentType)
		}
		if got := test.encoding.ContentEncoding(); got != test.contentEncoding {
			t.Errorf("%s ContentEncoding = %q, want %q", test.encoding, got, test.contentEncoding)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	if encoding, err := ParseEncoding(""); err != nil || encoding != EncodingGzip {
		t.Fatalf(`ParseEncoding("") = %s, %v`, encoding, err)
	}
	if _, err := ParseEncoding("brotli"); err == nil {
		t.Fatal("ParseEncoding accepted brotli")
	}
}

func TestDigestStable(t *testing.T) {
	data := []byte(`[{"id":"a"}]`)
	if Digest(data) != Digest(append([]byte(nil), data...)) {
		t.Fatal("digest differs for equal input")
	}
	if Digest(data) == Digest([]byte(`[{"id":"b"}]`)) {
		t.Fatal("digest equal for different input")
	}
	if len(Digest(data)) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(Digest(data)))
	}
}
