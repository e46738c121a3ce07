package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

func fixedClock() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

func logsUnderTest(t *testing.T) map[string]Log {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlLog := NewSQLLog(db).WithClock(fixedClock)
	require.NoError(t, sqlLog.Init(context.Background()))
	return map[string]Log{
		"memory": NewMemoryLog().WithClock(fixedClock),
		"sqlite": sqlLog,
	}
}

func sampleRecords() []contracts.AuditRecord {
	return []contracts.AuditRecord{
		{MandateID: "m-1", AgentID: "agent-1", Decision: contracts.DecisionRejected, ReasonCode: "exceeds_daily_limit", AmountMinor: 6000},
		{MandateID: "m-2", AgentID: "agent-1", Decision: contracts.DecisionSettled, AmountMinor: 4000, TxHash: "0xabc", SettlementOutcome: contracts.SettlementConfirmed},
		{MandateID: "m-3", AgentID: "agent-2", Decision: contracts.DecisionPendingApproval, ApprovalID: "ap-1", Metadata: map[string]string{"urgency": "high"}},
	}
}

func TestAppendChainsEntries(t *testing.T) {
	ctx := context.Background()
	for name, l := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			prev := Genesis
			for i, rec := range sampleRecords() {
				sealed, err := l.Append(ctx, rec)
				require.NoError(t, err)
				assert.Equal(t, uint64(i+1), sealed.Sequence)
				assert.Equal(t, prev, sealed.PreviousHash)
				assert.True(t, strings.HasPrefix(sealed.EntryHash, "sha256:"))
				prev = sealed.EntryHash
			}

			entries, err := l.Entries(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			require.NoError(t, Verify(entries))

			tail, err := l.Entries(ctx, 2, 1)
			require.NoError(t, err)
			require.Len(t, tail, 1)
			assert.Equal(t, "m-2", tail[0].MandateID)
			assert.NoError(t, Verify(tail), "partial run verifies from its first entry")
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog().WithClock(fixedClock)
	for _, rec := range sampleRecords() {
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
	}
	entries, _ := l.Entries(ctx, 1, 0)

	edited := append([]contracts.AuditRecord(nil), entries...)
	edited[1].AmountMinor = 1
	assert.ErrorIs(t, Verify(edited), ErrChainBroken)

	dropped := []contracts.AuditRecord{entries[0], entries[2]}
	assert.ErrorIs(t, Verify(dropped), ErrChainBroken)

	relinked := append([]contracts.AuditRecord(nil), entries...)
	relinked[0].PreviousHash = "sha256:00"
	assert.ErrorIs(t, Verify(relinked), ErrChainBroken)
}

func TestMemoryLogConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, contracts.AuditRecord{Decision: contracts.DecisionRejected})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	entries, _ := l.Entries(ctx, 0, 0)
	require.Len(t, entries, 50)
	assert.NoError(t, Verify(entries))
	assert.Equal(t, entries[49].EntryHash, l.Head())
}

func TestAppendIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	for name, l := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			rec := contracts.AuditRecord{
				MandateID:      "m-9",
				Decision:       contracts.DecisionSettled,
				TxHash:         "0x01",
				IdempotencyKey: "m-9:settled",
			}
			first, err := l.Append(ctx, rec)
			require.NoError(t, err)

			_, err = l.Append(ctx, contracts.AuditRecord{Decision: contracts.DecisionRejected})
			require.NoError(t, err)

			again, err := l.Append(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, first, again)

			entries, err := l.Entries(ctx, 1, 0)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
			assert.NoError(t, Verify(entries))
		})
	}
}

func TestSQLLogByMandate(t *testing.T) {
	ctx := context.Background()
	l := logsUnderTest(t)["sqlite"].(*SQLLog)
	for _, rec := range sampleRecords() {
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
	}
	got, err := l.ByMandate(ctx, "m-2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xabc", got[0].TxHash)
}

type memArchiver struct {
	objects map[string][]byte
	err     error
}

func (m *memArchiver) Put(_ context.Context, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.objects[key] = data
	return nil
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog().WithClock(fixedClock)
	for _, rec := range sampleRecords() {
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
	}

	arch := &memArchiver{objects: map[string][]byte{}}
	seg, err := Export(ctx, l, arch, "audit/", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seg.FirstSeq)
	assert.Equal(t, uint64(2), seg.LastSeq)
	assert.Equal(t, 2, seg.Count)
	assert.Equal(t, "audit/00000000000000000001-00000000000000000002.jsonl", seg.Key)
	assert.Equal(t, 2, strings.Count(string(arch.objects[seg.Key]), "\n"))

	_, err = Export(ctx, l, arch, "audit/", 10, 0)
	assert.ErrorIs(t, err, ErrNothingToArchive)

	arch.err = errors.New("bucket gone")
	_, err = Export(ctx, l, arch, "audit/", 3, 0)
	assert.Error(t, err)
}

func TestDirArchiver(t *testing.T) {
	dir := t.TempDir()
	a := DirArchiver{Dir: dir}
	require.NoError(t, a.Put(context.Background(), "audit/seg.jsonl", []byte("{}\n")))
	data, err := os.ReadFile(filepath.Join(dir, "audit", "seg.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}
