package xmodem

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSink(t *testing.T, payloads ...[]byte) *FileSink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "received.bin")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	for _, p := range payloads {
		_, err := sink.Write(p)
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())
	return sink
}

func padded(data []byte) []byte {
	out := make([]byte, BlockSize)
	n := copy(out, data)
	for i := n; i < BlockSize; i++ {
		out[i] = SUB
	}
	return out
}

func TestFileSinkTrimsFinalPadding(t *testing.T) {
	sink := writeSink(t, padded([]byte("AB")))
	require.NoError(t, sink.TrimPadding())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), data)
}

func TestFileSinkTrimOnlyTouchesLastBlock(t *testing.T) {
	// A SUB in an earlier block is file content and must survive.
	first := bytes.Repeat([]byte{SUB}, BlockSize)
	sink := writeSink(t, first, padded([]byte("tail")))
	require.NoError(t, sink.TrimPadding())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, first...), []byte("tail")...), data)
}

func TestFileSinkTrimAllSUBFinalBlock(t *testing.T) {
	// When the whole scanned region is padding, truncate it entirely.
	sink := writeSink(t, padded([]byte("data")), bytes.Repeat([]byte{SUB}, BlockSize))
	require.NoError(t, sink.TrimPadding())

	info, err := os.Stat(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(BlockSize), info.Size())
}

func TestFileSinkTrimNoPadding(t *testing.T) {
	full := bytes.Repeat([]byte{0x42}, BlockSize)
	sink := writeSink(t, full)
	require.NoError(t, sink.TrimPadding())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, full, data)
}

func TestFileSinkTrimEmptyFile(t *testing.T) {
	sink := writeSink(t)
	require.NoError(t, sink.TrimPadding())

	info, err := os.Stat(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestFileSinkWriteAfterClose(t *testing.T) {
	sink := writeSink(t)
	_, err := sink.Write([]byte("late"))
	assert.Error(t, err)
}

func TestLoadSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(path, []byte("source data"), 0644))

	data, err := LoadSource(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("source data"), data)
}

func TestLoadSourceMissing(t *testing.T) {
	_, err := LoadSource(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, IsType(err, ErrSourceUnavailable))
}

func TestLoadSourceDirectory(t *testing.T) {
	_, err := LoadSource(t.TempDir())
	assert.True(t, IsType(err, ErrSourceUnavailable))
}

func TestLoadSourceEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := LoadSource(path)
	assert.True(t, IsType(err, ErrEmptySource))
}
