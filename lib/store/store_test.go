// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func openReady(t *testing.T, config Config) *Store {
	t.Helper()
	if config.Dir == "" {
		config.Dir = t.TempDir()
	}
	if config.Clock == nil {
		config.Clock = clock.Fake(epoch)
	}
	s := Open(context.Background(), config)
	t.Cleanup(func() { s.Close() })
	testutil.RequireClosed(t, s.Ready(), 5*time.Second, "store ready")
	if err := s.Err(); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func addAll(t *testing.T, s *Store, records []record.Record) {
	t.Helper()
	for _, r := range records {
		if err := s.Add(context.Background(), r); err != nil {
			t.Fatalf("Add(%s): %v", r.ID, err)
		}
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()

	r := record.Record{
		ID:         "r-1",
		Type:       record.TypeError,
		SessionID:  "session",
		Timestamp:  1234,
		Payload:    map[string]any{"message": "boom", "line": uint64(7)},
		DeviceInfo: record.DeviceInfo{OS: "linux", CPUs: 4},
		Extends:    map[string]any{"tenant": "acme"},
		RetryCount: 2,
	}
	if err := s.Add(ctx, r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, found, err := s.Get(ctx, "r-1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Type != record.TypeError || got.SessionID != "session" || got.Timestamp != 1234 {
		t.Errorf("identity fields = %+v", got)
	}
	if got.Status != record.StatusPending || got.RetryCount != 2 {
		t.Errorf("bookkeeping = (%s, %d), want (pending, 2)", got.Status, got.RetryCount)
	}
	if got.CreatedAt != epoch.UnixMilli() {
		t.Errorf("CreatedAt = %d, want %d", got.CreatedAt, epoch.UnixMilli())
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["message"] != "boom" {
		t.Errorf("Payload = %#v", got.Payload)
	}
	if got.Extends["tenant"] != "acme" || got.DeviceInfo.CPUs != 4 {
		t.Errorf("snapshot fields lost: %+v", got)
	}

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found %v, err %v", found, err)
	}
}

func TestGetAllFIFOAndFilter(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()
	records := testutil.Records(5)
	addAll(t, s, records)

	sending := record.StatusSending
	if err := s.Put(ctx, records[1].ID, record.Patch{Status: &sending}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := s.GetAll(ctx, Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if got, want := record.IDs(all), record.IDs(records); !slices.Equal(got, want) {
		t.Fatalf("GetAll order = %v, want %v", got, want)
	}

	pending, err := s.GetAll(ctx, Filter{Status: record.StatusPending, Limit: 3})
	if err != nil {
		t.Fatalf("GetAll(pending): %v", err)
	}
	want := []string{records[0].ID, records[2].ID, records[3].ID}
	if got := record.IDs(pending); !slices.Equal(got, want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
}

func TestUpsertKeepsQueuePosition(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()
	records := testutil.Records(3)
	addAll(t, s, records)

	first := records[0]
	first.RetryCount = 1
	first.Payload = map[string]any{"index": 99}
	if err := s.Add(ctx, first); err != nil {
		t.Fatalf("re-Add: %v", err)
	}

	all, err := s.GetAll(ctx, Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3 (no duplicate id)", len(all))
	}
	if all[0].ID != first.ID || all[0].RetryCount != 1 {
		t.Fatalf("front record = %s retry %d, want %s retry 1", all[0].ID, all[0].RetryCount, first.ID)
	}
}

func TestPutMergesAndIgnoresMissing(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()
	records := testutil.Records(1)
	addAll(t, s, records)

	retries := 3
	if err := s.Put(ctx, records[0].ID, record.Patch{RetryCount: &retries}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _, err := s.Get(ctx, records[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 3 || got.Status != record.StatusPending {
		t.Fatalf("after Put: retry=%d status=%s", got.RetryCount, got.Status)
	}

	if err := s.Put(ctx, "missing", record.Patch{RetryCount: &retries}); err != nil {
		t.Fatalf("Put(missing): %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()
	records := testutil.Records(4)
	addAll(t, s, records)

	ids := record.IDs(records[:2])
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, ids...); err != nil {
			t.Fatalf("Delete pass %d: %v", i, err)
		}
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete(): %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("Count = %d, want 2", count)
	}
}

func TestMaxRecordsEvictsOldest(t *testing.T) {
	s := openReady(t, Config{MaxRecords: 3})
	ctx := context.Background()
	records := testutil.Records(5)
	addAll(t, s, records)

	all, err := s.GetAll(ctx, Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if got, want := record.IDs(all), record.IDs(records[2:]); !slices.Equal(got, want) {
		t.Fatalf("after eviction = %v, want %v", got, want)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()
	records := testutil.Records(3)
	addAll(t, s, records)

	if err := s.SetStatus(ctx, record.StatusSending, record.IDs(records[:2])...); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.SetStatus(ctx, record.StatusFailed, records[2].ID); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	moved, err := s.ResetStatus(ctx, record.StatusSending, record.StatusFailed)
	if err != nil {
		t.Fatalf("ResetStatus: %v", err)
	}
	if moved != 3 {
		t.Fatalf("ResetStatus moved %d, want 3", moved)
	}
	pending, err := s.GetAll(ctx, Filter{Status: record.StatusPending})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	records := testutil.Records(2)

	first := openReady(t, Config{Dir: dir})
	addAll(t, first, records)
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openReady(t, Config{Dir: dir})
	all, err := second.GetAll(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if got, want := record.IDs(all), record.IDs(records); !slices.Equal(got, want) {
		t.Fatalf("after reopen = %v, want %v", got, want)
	}
}

func TestOpenRetriesThenGivesUp(t *testing.T) {
	// A regular file where the directory should be makes every
	// attempt fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	fake := clock.Fake(epoch)
	s := Open(context.Background(), Config{Dir: blocker, Clock: fake, ReadyRetries: 3})
	defer s.Close()

	if err := s.Add(context.Background(), testutil.Records(1)[0]); err != nil {
		t.Fatalf("Add before ready: %v", err)
	}

	// Backoff 100ms then 200ms.
	for _, delay := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond} {
		fake.WaitForTimers(1)
		fake.Advance(delay)
	}
	testutil.RequireClosed(t, s.Ready(), 5*time.Second, "open gave up")

	if s.Err() == nil {
		t.Fatal("Err() = nil after failed open")
	}
	if err := s.Add(context.Background(), testutil.Records(1)[0]); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Add after failure = %v, want ErrUnavailable", err)
	}
	if _, err := s.Count(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Count after failure = %v, want ErrUnavailable", err)
	}
}

func TestHeldRecordsWrittenOnceReady(t *testing.T) {
	// The directory does not exist on the first attempt and is
	// created before the retry.
	dir := filepath.Join(t.TempDir(), "later")
	fake := clock.Fake(epoch)
	s := Open(context.Background(), Config{Dir: dir, Clock: fake})
	defer s.Close()

	records := testutil.Records(3)
	addAll(t, s, records)

	fake.WaitForTimers(1)
	if count, err := s.Count(context.Background()); err != nil || count != 3 {
		t.Fatalf("Count while opening = %d, %v; want 3 held", count, err)
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	fake.Advance(100 * time.Millisecond)
	testutil.RequireClosed(t, s.Ready(), 5*time.Second, "store ready")
	if err := s.Err(); err != nil {
		t.Fatalf("open: %v", err)
	}

	all, err := s.GetAll(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if got, want := record.IDs(all), record.IDs(records); !slices.Equal(got, want) {
		t.Fatalf("held records = %v, want %v", got, want)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := openReady(t, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Delete(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Delete after close = %v, want ErrUnavailable", err)
	}
}

func TestMemoryStoreWithoutDir(t *testing.T) {
	s := Open(context.Background(), Config{Clock: clock.Fake(epoch)})
	t.Cleanup(func() { s.Close() })
	testutil.RequireClosed(t, s.Ready(), 5*time.Second, "store ready")
	if err := s.Err(); err != nil {
		t.Fatalf("open without Dir: %v", err)
	}
	if !strings.HasPrefix(s.Path(), "file:") {
		t.Errorf("Path() = %q, want a shared-cache URI", s.Path())
	}

	addAll(t, s, testutil.Records(3))
	count, err := s.Count(context.Background())
	if err != nil || count != 3 {
		t.Fatalf("Count = %d, %v; want 3", count, err)
	}

	// A second memory store does not see the first one's records.
	other := Open(context.Background(), Config{Clock: clock.Fake(epoch)})
	t.Cleanup(func() { other.Close() })
	testutil.RequireClosed(t, other.Ready(), 5*time.Second, "second store ready")
	if count, err := other.Count(context.Background()); err != nil || count != 0 {
		t.Fatalf("second store Count = %d, %v; want 0", count, err)
	}
}

func TestRecoverResetsStatusesOnOpen(t *testing.T) {
	dir := t.TempDir()
	records := testutil.Records(4)
	ctx := context.Background()

	first := openReady(t, Config{Dir: dir})
	addAll(t, first, records)
	if err := first.SetStatus(ctx, record.StatusSending, record.IDs(records[:2])...); err != nil {
		t.Fatalf("SetStatus sending: %v", err)
	}
	if err := first.SetStatus(ctx, record.StatusFailed, records[2].ID); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openReady(t, Config{Dir: dir, Recover: []record.Status{record.StatusSending}})
	pending, err := second.CountStatus(ctx, record.StatusPending)
	if err != nil {
		t.Fatalf("CountStatus: %v", err)
	}
	if pending != 3 {
		t.Fatalf("pending after recovery = %d, want 3", pending)
	}
	failed, err := second.CountStatus(ctx, record.StatusFailed)
	if err != nil || failed != 1 {
		t.Fatalf("failed after recovery = %d, %v; want 1 untouched", failed, err)
	}
}

func TestUnencodablePayloadsStoredAsPlaceholders(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()

	cyclic := map[string]any{"name": "loop"}
	cyclic["self"] = cyclic
	records := []record.Record{
		{ID: "cyclic", Type: record.TypeCustom, Payload: cyclic},
		{ID: "func", Type: record.TypeCustom, Payload: map[string]any{"callback": func() {}}},
		{ID: "int-keys", Type: record.TypeCustom, Payload: map[int]string{1: "one", 2: "two"}},
	}
	addAll(t, s, records)

	got, err := s.GetAll(ctx, Filter{})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetAll returned %d records, want 3", len(got))
	}
	byID := make(map[string]map[string]any)
	for _, r := range got {
		payload, ok := r.Payload.(map[string]any)
		if !ok {
			t.Fatalf("%s payload = %#v, want a map", r.ID, r.Payload)
		}
		byID[r.ID] = payload
	}
	if byID["cyclic"]["self"] != "[Circular]" || byID["cyclic"]["name"] != "loop" {
		t.Errorf("cyclic payload = %#v", byID["cyclic"])
	}
	if byID["func"]["callback"] != "[Function]" {
		t.Errorf("func payload = %#v", byID["func"])
	}
	if byID["int-keys"]["1"] != "one" || byID["int-keys"]["2"] != "two" {
		t.Errorf("int-keyed payload = %#v", byID["int-keys"])
	}
}

func TestGetAllDropsUndecodableRows(t *testing.T) {
	s := openReady(t, Config{})
	ctx := context.Background()

	corrupt := testutil.Records(10)
	good := testutil.Records(5)
	addAll(t, s, corrupt)
	addAll(t, s, good)
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE records SET body = x'ff' WHERE id IN ("+placeholders(len(corrupt))+")",
			&sqlitex.ExecOptions{Args: idArgs(record.IDs(corrupt))})
	})
	if err != nil {
		t.Fatalf("corrupting rows: %v", err)
	}

	// Every corrupt row sits ahead of the good ones and would fill
	// the limit if it were kept.
	batch, err := s.GetAll(ctx, Filter{Status: record.StatusPending, Limit: 5})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if got, want := record.IDs(batch), record.IDs(good); !slices.Equal(got, want) {
		t.Fatalf("GetAll = %v, want %v", got, want)
	}
	count, err := s.Count(ctx)
	if err != nil || count != 5 {
		t.Fatalf("Count = %d, %v; want 5 after dropping corrupt rows", count, err)
	}
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
