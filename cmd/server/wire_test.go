package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"market/config"
	"market/infra/wal"
	"market/infra/wal/segment"
)

func TestOpenLog_WarnsOnTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := segment.Open(segment.Config{Dir: dir})
	require.NoError(t, err)
	for seq := uint64(1); seq <= 2; seq++ {
		require.NoError(t, l.Append(wal.NewRecord(seq, 1, []byte("payload"))))
	}
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	st, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], st.Size()-3))

	core, logs := observer.New(zapcore.WarnLevel)
	opened, cursors, err := openLog(config.LogConfig{Backend: "segment", Dir: dir}, zap.New(core))
	require.NoError(t, err)
	defer opened.Close()
	assert.Nil(t, cursors)
	assert.Equal(t, uint64(1), opened.LastSeq())

	entries := logs.FilterMessage("torn tail discarded from durability log").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].ContextMap()["last_seq"])
}
