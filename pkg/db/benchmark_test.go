package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"minisql/pkg/config"
	"minisql/pkg/storage/index"
)

func benchEngine(tb testing.TB) *Engine {
	tb.Helper()
	cfg := config.Default()
	cfg.DataDir = tb.TempDir()
	e, err := NewEngine(cfg, nil, nil)
	require.NoError(tb, err)
	require.NoError(tb, e.CreateDatabase("bench"))
	require.NoError(tb, e.UseDatabase("bench"))
	require.NoError(tb, e.CreateTable("kv", 0, "id int, val char(100)"))
	require.NoError(tb, e.CreateIndex("kv_id", "kv", nil))
	tb.Cleanup(func() { e.Close() })
	return e
}

// 运行命令: go test minisql/pkg/db -run TestThroughput -v
func TestThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	e := benchEngine(t)
	const count = 10000

	// --- 阶段一：写入 ---
	start := time.Now()
	for i := 0; i < count; i++ {
		val := fmt.Sprintf("%d, 'data-%090d'", i, i)
		_, err := e.InsertRow("kv", index.Int64Key(int64(i)), []byte(val))
		require.NoError(t, err)
	}
	insert := time.Since(start)

	// --- 阶段二：按索引读取 ---
	start = time.Now()
	for i := 0; i < count; i++ {
		rid, err := e.IndexLookup("kv_id", index.Int64Key(int64(i)))
		require.NoError(t, err, "key %d lost", i)
		_, err = e.GetRecord("kv", rid)
		require.NoError(t, err)
	}
	lookup := time.Since(start)

	t.Logf("insert %d rows: %v (%.0f ops/sec)", count, insert, float64(count)/insert.Seconds())
	t.Logf("select %d rows: %v (%.0f ops/sec)", count, lookup, float64(count)/lookup.Seconds())
}

func BenchmarkInsertRow(b *testing.B) {
	e := benchEngine(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		val := fmt.Sprintf("%d, 'data-%090d'", i, i)
		if _, err := e.InsertRow("kv", index.Int64Key(int64(i)), []byte(val)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIndexLookup(b *testing.B) {
	e := benchEngine(b)
	const rows = 5000
	for i := 0; i < rows; i++ {
		val := fmt.Sprintf("%d, 'data'", i)
		if _, err := e.InsertRow("kv", index.Int64Key(int64(i)), []byte(val)); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.IndexLookup("kv_id", index.Int64Key(int64(i%rows))); err != nil {
			b.Fatal(err)
		}
	}
}
