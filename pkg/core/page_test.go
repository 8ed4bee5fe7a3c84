package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInBatchStatusAndBatchUUID(t *testing.T) {
	status := InBatchStatus("abc123")
	assert.Equal(t, PageStatus("IN_BATCH_abc123"), status)

	uuid, ok := status.BatchUUID()
	assert.True(t, ok)
	assert.Equal(t, "abc123", uuid)

	_, ok = StatusToIndex.BatchUUID()
	assert.False(t, ok)
}

func TestPageStatusIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   PageStatus
		terminal bool
	}{
		{"to_index is not terminal", StatusToIndex, false},
		{"in_batch is not terminal", InBatchStatus("x"), false},
		{"indexed is terminal", StatusIndexed, true},
		{"error is terminal", StatusError, true},
		{"dont_index is terminal", StatusDontIndex, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestDocID(t *testing.T) {
	id1 := DocID("http://example.com/a")
	id2 := DocID("http://example.com/a")
	id3 := DocID("http://example.com/b")

	assert.Equal(t, id1, id2, "same url must yield same id")
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 32, "md5 hex digest is 32 chars")
}

func TestPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		lru      string
		expected []string
	}{
		{
			name:     "three stems",
			lru:      "s:http|h:com|h:example|",
			expected: []string{"s:http|", "s:http|h:com|", "s:http|h:com|h:example|"},
		},
		{
			name:     "single stem",
			lru:      "s:http|",
			expected: []string{"s:http|"},
		},
		{
			name:     "empty lru",
			lru:      "",
			expected: nil,
		},
		{
			name:     "no trailing pipe still splits",
			lru:      "s:http|h:com",
			expected: []string{"s:http|", "s:http|h:com|"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Prefixes(tt.lru))
		})
	}
}

func TestBatchUUIDDeterministic(t *testing.T) {
	ids := []string{"a", "b", "c"}

	assert.Equal(t, BatchUUID(ids), BatchUUID([]string{"a", "b", "c"}))
	assert.NotEqual(t, BatchUUID(ids), BatchUUID([]string{"a", "b"}))
}
