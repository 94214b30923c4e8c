package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaincore/headersync/internal/blockheader"
)

func TestMemoryLastHeight(t *testing.T) {
	m := NewMemory(map[uint64]blockheader.Summary{
		0:  {Height: 0},
		10: {Height: 10},
		5:  {Height: 5},
	})
	h, err := m.LastHeight()
	require.NoError(t, err)
	require.Equal(t, uint64(10), h)
}

func TestMemoryLastHeightEmpty(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.LastHeight()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryHeaderNotFound(t *testing.T) {
	m := NewMemory(nil)
	_, err := m.Header(5)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPutThenHeader(t *testing.T) {
	m := NewMemory(nil)
	m.Put(blockheader.Summary{Height: 7})
	got, err := m.Header(7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Height)
}

func TestMemoryGapRange(t *testing.T) {
	m := NewMemory(nil)
	_, ok, err := m.GapRange()
	require.NoError(t, err)
	require.False(t, ok)

	m.SetGap(&GapRange{Before: 500, After: 1000})
	g, ok, err := m.GapRange()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(500), g.Before)
	require.Equal(t, uint64(1000), g.After)

	m.SetGap(nil)
	_, ok, err = m.GapRange()
	require.NoError(t, err)
	require.False(t, ok)
}
