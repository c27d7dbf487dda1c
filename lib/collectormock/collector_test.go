// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collectormock

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/testutil"
	"github.com/bureau-foundation/webeye/lib/transport"
)

func post(t *testing.T, server *httptest.Server, suffix string, body []byte, encoding payload.Encoding, digest string) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, server.URL+"/"+suffix, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	request.Header.Set("Content-Encoding", encoding.ContentEncoding())
	request.Header.Set(transport.HeaderDigest, digest)
	request.Header.Set(transport.HeaderInternal, "1")
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("POST /%s: %v", suffix, err)
	}
	response.Body.Close()
	return response.StatusCode
}

func TestAcceptsCompressedBatch(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	body := []byte(`[{"id":"a","type":"custom"},{"id":"b","type":"error"}` + strings.Repeat(" ", 2048) + `]`)
	compressed := payload.Compress(body, payload.Options{Encoding: payload.EncodingZstd})
	if !compressed.Compressed {
		t.Fatal("test body did not compress")
	}

	if status := post(t, server, "fetch", compressed.Payload, compressed.Encoding, payload.Digest(body)); status != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", status)
	}
	batch := testutil.RequireReceive(t, collector.Received(), 5*time.Second, "batch")
	if batch.Suffix != "fetch" || batch.Encoding != payload.EncodingZstd || !batch.Internal {
		t.Fatalf("batch = %+v", batch)
	}
	if ids := collector.RecordIDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("RecordIDs = %v", ids)
	}
}

func TestDigestMismatchRejected(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	if status := post(t, server, "beacon", []byte(`[]`), payload.EncodingNone, "bogus"); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestDuplicateDigestFlagged(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	body := []byte(`[{"id":"a"}]`)
	for range 2 {
		post(t, server, "w", body, payload.EncodingNone, payload.Digest(body))
	}
	status := collector.Status()
	if status.Batches != 2 || status.Duplicates != 1 || status.Records != 1 {
		t.Fatalf("Status = %+v", status)
	}
}

func TestFailNext(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	collector.FailNext(2, http.StatusServiceUnavailable)
	body := []byte(`[{"id":"a"}]`)
	for i, want := range []int{503, 503, 204} {
		if got := post(t, server, "fetch", body, payload.EncodingNone, ""); got != want {
			t.Fatalf("request %d status = %d, want %d", i, got, want)
		}
	}
	if status := collector.Status(); status.Rejected != 2 || status.Batches != 1 {
		t.Fatalf("Status = %+v", status)
	}
}

func TestImageEndpoint(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	query := url.Values{"data": {`[{"type":"error","data":"{\"message\":\"boom\"}"}]`}}
	response, err := server.Client().Get(server.URL + "/img?" + query.Encode())
	if err != nil {
		t.Fatalf("GET /img: %v", err)
	}
	response.Body.Close()
	if response.Header.Get("Content-Type") != "image/gif" {
		t.Fatalf("Content-Type = %q", response.Header.Get("Content-Type"))
	}

	batch := testutil.RequireReceive(t, collector.Received(), 5*time.Second, "image batch")
	data, ok := batch.Records[0]["data"].(map[string]any)
	if !ok || data["message"] != "boom" {
		t.Fatalf("image record = %v", batch.Records[0])
	}
}

func TestUnknownSuffixNotFound(t *testing.T) {
	collector := New(nil)
	server := httptest.NewServer(collector)
	defer server.Close()

	if status := post(t, server, "wow", []byte(`[]`), payload.EncodingNone, ""); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}
