package store

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/service/compare"
)

func testRecord(id string) Record {
	return Record{
		ID:          id,
		Method:      "GET",
		Host:        "example.test",
		Path:        "/" + id,
		OrigRequest: []byte("GET /" + id + " HTTP/1.1\r\nHost: example.test\r\n\r\n"),
		Verdict:     compare.VerdictUnknown,
	}
}

func TestLedgerInsert(t *testing.T) {
	t.Parallel()

	t.Run("newest_first", func(t *testing.T) {
		l := NewLedger(0)
		l.Insert(testRecord("a"))
		l.Insert(testRecord("b"))
		l.Insert(testRecord("c"))

		snap := l.Snapshot()
		require.Len(t, snap, 3)
		assert.Equal(t, "c", snap[0].ID)
		assert.Equal(t, "b", snap[1].ID)
		assert.Equal(t, "a", snap[2].ID)
	})

	t.Run("cap_501", func(t *testing.T) {
		l := NewLedger(DefaultCapacity)
		var evicted []string
		for i := range 501 {
			evicted = append(evicted, l.Insert(testRecord(strconv.Itoa(i)))...)
		}

		assert.Equal(t, 500, l.Count())
		assert.Equal(t, []string{"0"}, evicted)
		snap := l.Snapshot()
		assert.Equal(t, "500", snap[0].ID)
		assert.Equal(t, "1", snap[499].ID)
		_, ok := l.Get("0")
		assert.False(t, ok)
	})

	t.Run("duplicate_id_replaces", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		l.Insert(testRecord("b"))
		rec := testRecord("a")
		rec.Path = "/new"
		l.Insert(rec)

		snap := l.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].ID)
		assert.Equal(t, "/new", snap[0].Path)
	})

	t.Run("stored_copy", func(t *testing.T) {
		l := NewLedger(10)
		rec := testRecord("a")
		l.Insert(rec)
		rec.OrigRequest[0] = 'X'

		got, ok := l.Get("a")
		require.True(t, ok)
		assert.Equal(t, byte('G'), got.OrigRequest[0])
	})
}

func TestLedgerUpdate(t *testing.T) {
	t.Parallel()

	l := NewLedger(10)
	l.Insert(testRecord("a"))

	ok := l.Update("a", func(r *Record) {
		r.SetModifiedResponse([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	})
	require.True(t, ok)
	got, _ := l.Get("a")
	assert.Equal(t, 403, got.ModStatus)
	assert.Equal(t, 0, got.ModLength)

	assert.False(t, l.Update("missing", func(r *Record) { t.Fatal("should not be called") }))
}

func TestLedgerSnapshotIsolation(t *testing.T) {
	t.Parallel()

	l := NewLedger(10)
	l.Insert(testRecord("a"))
	snap := l.Snapshot()
	snap[0].Path = "/changed"
	snap[0].OrigRequest[0] = 'X'

	got, _ := l.Get("a")
	assert.Equal(t, "/a", got.Path)
	assert.Equal(t, byte('G'), got.OrigRequest[0])
}

func TestLedgerPending(t *testing.T) {
	t.Parallel()

	t.Run("requires_record", func(t *testing.T) {
		l := NewLedger(10)
		assert.False(t, l.MarkPending(Pending{RecordID: "missing"}))
		assert.Equal(t, 0, l.PendingCount())
	})

	t.Run("resolve_once", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		require.True(t, l.MarkPending(Pending{RecordID: "a", ModifiedRef: "r1"}))
		assert.True(t, l.IsPending("a"))

		assert.True(t, l.ResolvePending("a"))
		assert.False(t, l.ResolvePending("a"))
		assert.False(t, l.IsPending("a"))
	})

	t.Run("eviction_drops_pending", func(t *testing.T) {
		l := NewLedger(2)
		l.Insert(testRecord("a"))
		require.True(t, l.MarkPending(Pending{RecordID: "a"}))
		l.Insert(testRecord("b"))
		l.Insert(testRecord("c"))

		assert.Equal(t, 0, l.PendingCount())
		for _, p := range l.Pending() {
			_, ok := l.Get(p.RecordID)
			assert.True(t, ok)
		}
	})

	t.Run("replace_drops_pending", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		require.True(t, l.MarkPending(Pending{RecordID: "a", ModifiedRef: "r1"}))

		l.Insert(testRecord("a"))
		assert.False(t, l.IsPending("a"))
		_, ok := l.PendingEntry("a")
		assert.False(t, ok)
	})

	t.Run("pending_entry", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		require.True(t, l.MarkPending(Pending{RecordID: "a", OriginalRef: "a"}))

		p, ok := l.PendingEntry("a")
		require.True(t, ok)
		assert.Equal(t, "a", p.OriginalRef)
		assert.False(t, p.QueuedAt.IsZero())
	})

	t.Run("clear_drops_pending", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		l.MarkPending(Pending{RecordID: "a"})
		l.Clear()

		assert.Equal(t, 0, l.Count())
		assert.Equal(t, 0, l.PendingCount())
	})

	t.Run("ordered_by_queue_time", func(t *testing.T) {
		l := NewLedger(10)
		now := time.Now()
		for i, id := range []string{"a", "b", "c"} {
			l.Insert(testRecord(id))
			l.MarkPending(Pending{RecordID: id, QueuedAt: now.Add(-time.Duration(i) * time.Second)})
		}
		pending := l.Pending()
		require.Len(t, pending, 3)
		assert.Equal(t, "c", pending[0].RecordID)
		assert.Equal(t, "a", pending[2].RecordID)
	})

	t.Run("expire", func(t *testing.T) {
		l := NewLedger(10)
		now := time.Now()
		l.Insert(testRecord("old"))
		l.Insert(testRecord("new"))
		l.MarkPending(Pending{RecordID: "old", QueuedAt: now.Add(-time.Hour)})
		l.MarkPending(Pending{RecordID: "new", QueuedAt: now})

		assert.Equal(t, []string{"old"}, l.ExpirePending(now.Add(-time.Minute)))
		assert.Equal(t, 1, l.PendingCount())
		_, ok := l.Get("old")
		assert.True(t, ok)
	})

	t.Run("drain", func(t *testing.T) {
		l := NewLedger(10)
		l.Insert(testRecord("a"))
		l.Insert(testRecord("b"))
		l.MarkPending(Pending{RecordID: "a"})
		l.MarkPending(Pending{RecordID: "b"})

		assert.Equal(t, 2, l.DrainPending())
		assert.Equal(t, 2, l.Count())
		assert.Equal(t, 0, l.PendingCount())
	})
}

func TestLedgerConcurrent(t *testing.T) {
	t.Parallel()

	l := NewLedger(50)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				id := strconv.Itoa(w) + "-" + strconv.Itoa(i)
				l.Insert(testRecord(id))
				l.MarkPending(Pending{RecordID: id})
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, l.Count())
	for _, p := range l.Pending() {
		_, ok := l.Get(p.RecordID)
		assert.True(t, ok)
	}
}

func TestRecordReclassify(t *testing.T) {
	t.Parallel()

	rec := testRecord("a")
	rec.SetOriginalResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	rec.Reclassify()
	assert.Equal(t, compare.VerdictUnknown, rec.Verdict)

	rec.SetModifiedResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	rec.Reclassify()
	assert.Equal(t, compare.VerdictSame, rec.Verdict)
	assert.Equal(t, 200, rec.OrigStatus)
	assert.Equal(t, 2, rec.ModLength)
}

func TestSnapshotEncoding(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	recs := []Record{testRecord("b"), testRecord("a")}
	recs[0].CreatedAt = now
	recs[0].Origin = Origin{Source: "burp", SourceID: "17", Hostname: "example.test", Port: 443, UsesHTTPS: true}

	data, err := EncodeSnapshot(recs)
	require.NoError(t, err)
	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recs[0].Origin, got[0].Origin)
	assert.True(t, now.Equal(got[0].CreatedAt))

	l := NewLedger(10)
	l.Import(got)
	snap := l.Snapshot()
	assert.Equal(t, "b", snap[0].ID)
	assert.Equal(t, "a", snap[1].ID)

	_, err = DecodeSnapshot([]byte("junk"))
	assert.Error(t, err)
}
