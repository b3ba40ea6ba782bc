package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minisql/pkg/storage/page"
)

func TestIteratorWalksLeafChain(t *testing.T) {
	f := newFixture(t, 3, 5)
	for i := 20; i > 0; i-- {
		insertInts(t, f.ix, i*10)
	}

	it := f.ix.Scan()
	n := 0
	for ; it.IsValid(); it.Next() {
		n++
		v, err := KeyInt64(it.Key())
		require.NoError(t, err)
		assert.Equal(t, int64(n*10), v)
		assert.Equal(t, page.PageNo(n*10+1000), it.Value().Page)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 20, n)

	// 走完后自动释放
	assert.Equal(t, 0, f.pool.Stats().Pinned)
	assert.False(t, it.Next())
	it.Close()
}

func TestIteratorSeek(t *testing.T) {
	f := newFixture(t, 3, 5)
	insertInts(t, f.ix, 10, 20, 30, 40, 50, 60, 70, 80)

	it := f.ix.Seek(Int64Key(35))
	require.True(t, it.IsValid())
	v, _ := KeyInt64(it.Key())
	assert.Equal(t, int64(40), v)
	it.Close()
	assert.Equal(t, 0, f.pool.Stats().Pinned)

	// 正好落在叶子末尾之后，要跳到下一个叶子
	it = f.ix.Seek(Int64Key(41))
	require.True(t, it.IsValid())
	v, _ = KeyInt64(it.Key())
	assert.Equal(t, int64(50), v)
	it.Close()

	it = f.ix.Seek(Int64Key(81))
	assert.False(t, it.IsValid())
	assert.NoError(t, it.Err())
	assert.Nil(t, it.Key())
	assert.Equal(t, page.RID{}, it.Value())
	it.Close()
	assert.Equal(t, 0, f.pool.Stats().Pinned)
}

func TestIteratorHoldsOnePin(t *testing.T) {
	f := newFixture(t, 3, 5)
	insertInts(t, f.ix, 1, 2, 3, 4, 5, 6, 7, 8, 9)

	it := f.ix.Scan()
	defer it.Close()
	require.True(t, it.IsValid())
	assert.Equal(t, 1, f.pool.Stats().Pinned)
	it.Next()
	it.Next()
	it.Next()
	assert.Equal(t, 1, f.pool.Stats().Pinned)
}
