package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/trade"
)

func TestRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)
	clock := time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Record(trade.Receipt{ID: "1", Ware: "iron", Side: trade.SideBuy, Quantity: 3, Total: 30}))
	require.NoError(t, w.Record(trade.Receipt{ID: "2", Ware: "coal", Side: trade.SideSell, Quantity: 1, Total: 0.5}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Record(trade.Receipt{ID: "3", Ware: "iron", Side: trade.SideSell, Quantity: 1, Total: 9.9}))
	require.NoError(t, w.Close())
	assert.EqualValues(t, 3, w.Written())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Contains(t, files[0], "trades-2026-05-01-09.jsonl.zst")
	assert.Contains(t, files[1], "trades-2026-05-01-10.jsonl.zst")

	first, err := ReadFile(files[0])
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "iron", first[0].Ware)
	assert.Equal(t, trade.SideSell, first[1].Side)

	second, err := ReadFile(files[1])
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 9.9, second[0].Total)
}

func TestAppendsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	for i, id := range []string{"a", "b"} {
		w := New(dir)
		w.now = clock
		require.NoError(t, w.Record(trade.Receipt{ID: id, Quantity: i + 1}))
		require.NoError(t, w.Close())
	}

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	got, err := ReadFile(files[0])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
}
