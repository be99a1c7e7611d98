package postings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	input := []Posting{
		{Hash: 100, DocID: 1},
		{Hash: 100, DocID: 2},
		{Hash: 100, DocID: 5},
		{Hash: 200, DocID: 1},
		{Hash: 305, DocID: 9},
		{Hash: 305, DocID: 9}, // same hash, same doc id is legal (multiset)
	}

	data, err := EncodeBlock(nil, input)
	require.NoError(t, err)

	out, n, err := DecodeBlock(nil, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, input, out)
}

func TestEncodeBlockEmpty(t *testing.T) {
	_, err := EncodeBlock(nil, nil)
	require.Error(t, err)
}

func TestDecodeBlockTruncated(t *testing.T) {
	data, err := EncodeBlock(nil, []Posting{{Hash: 1, DocID: 1}, {Hash: 2, DocID: 2}})
	require.NoError(t, err)
	_, _, err = DecodeBlock(nil, data[:len(data)-1])
	require.Error(t, err)
}

func TestSkipTableRoundTrip(t *testing.T) {
	entries := []SkipEntry{
		{FirstHash: 0, Offset: 0},
		{FirstHash: 100, Offset: 128},
		{FirstHash: 1 << 20, Offset: 1 << 30},
	}
	data := EncodeSkipTable(entries)
	got, err := DecodeSkipTable(data, len(entries))
	require.NoError(t, err)
	require.Equal(t, entries, got)
}
