package rmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestInflightTableCompletion tests that an entry is done after exactly requested answers
func TestInflightTableCompletion(t *testing.T) {
	itt := NewInflightTable()
	itt.Create(4, 3, 0x1000, 0x2000, 1)

	assert.False(t, itt.RecordCompletion(4))
	assert.False(t, itt.RecordCompletion(4))
	assert.True(t, itt.RecordCompletion(4))

	e := itt.Entry(4)
	assert.Equal(t, uint32(3), e.Completed)
	assert.Equal(t, uint64(0x1000), e.LocalAddr)
	assert.Equal(t, uint64(0x2000), e.BaselineOffset)
	assert.Equal(t, uint8(1), e.QueuePair)
	assert.Equal(t, uint8(1), e.Success())
}

// TestInflightTableRejection tests that rejections count as answers and fail the entry
func TestInflightTableRejection(t *testing.T) {
	itt := NewInflightTable()
	itt.Create(0, 2, 0, 0, 0)

	assert.False(t, itt.RecordCompletion(0))
	assert.True(t, itt.RecordRejection(0))

	e := itt.Entry(0)
	assert.Equal(t, uint32(1), e.Rejected)
	assert.Equal(t, uint8(0), e.Success())
}

// TestInflightTableReuse tests that creating over a live tid replaces it
func TestInflightTableReuse(t *testing.T) {
	itt := NewInflightTable()
	itt.Create(7, 2, 0x100, 0, 0)
	itt.RecordCompletion(7)

	itt.Create(7, 1, 0x200, 0x40, 2)
	e := itt.Entry(7)
	assert.Equal(t, uint32(0), e.Completed)
	assert.Equal(t, uint64(0x200), e.LocalAddr)
	assert.True(t, itt.RecordCompletion(7))

	// ids beyond the table alias modulo its size
	itt.Create(ITTCapacity+1, 1, 0x300, 0, 0)
	assert.Equal(t, uint64(0x300), itt.Entry(1).LocalAddr)
}
