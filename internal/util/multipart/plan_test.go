package multipart

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

func TestPlan_EvenSplit(t *testing.T) {
	parts, err := Plan(30, 10)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, int64(i*10), p.Offset)
		assert.Equal(t, int64(10), p.PartSize)
	}
}

func TestPlan_ShortLastPart(t *testing.T) {
	parts, err := Plan(25, 10)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []int64{10, 10, 5}, []int64{parts[0].PartSize, parts[1].PartSize, parts[2].PartSize})
	assert.Equal(t, int64(20), parts[2].Offset)
}

func TestPlan_ZeroLengthSentinel(t *testing.T) {
	parts, err := Plan(0, 10)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, int64(0), parts[0].PartSize)
	assert.NoError(t, Validate(parts, 0, 0))
}

func TestPlan_InvalidArguments(t *testing.T) {
	tests := []struct {
		name      string
		totalSize int64
		partSize  int64
	}{
		{"negative size", -1, 10},
		{"zero part size", 10, 0},
		{"negative part size", 10, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.totalSize, tt.partSize)
			require.Error(t, err)
			assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
		})
	}
}

// TestPlan_Tiling checks the tiling property over a grid of sizes.
func TestPlan_Tiling(t *testing.T) {
	for _, partSize := range []int64{1, 3, 7, 10, 64} {
		for totalSize := int64(0); totalSize <= 200; totalSize++ {
			parts, err := Plan(totalSize, partSize)
			require.NoError(t, err)
			require.NoError(t, Validate(parts, 0, totalSize), "size=%d part=%d", totalSize, partSize)

			if totalSize > 0 {
				last := parts[len(parts)-1]
				assert.Greater(t, last.PartSize, int64(0))
				assert.LessOrEqual(t, last.PartSize, partSize)
				assert.Equal(t, NumParts(totalSize, partSize), int64(len(parts)))
			}
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	a, err := Plan(12345, 100)
	require.NoError(t, err)
	b, err := Plan(12345, 100)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlanRange(t *testing.T) {
	parts, err := PlanRange(100, 25, 10)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(100), parts[0].Offset)
	assert.Equal(t, int64(120), parts[2].Offset)
	assert.NoError(t, Validate(parts, 100, 25))
}

func TestValidate_RejectsGapsAndOverlaps(t *testing.T) {
	parts, err := Plan(30, 10)
	require.NoError(t, err)

	gap := append(parts[:0:0], parts...)
	gap[1].Offset = 11
	assert.ErrorIs(t, Validate(gap, 0, 30), storage.ErrInvalidArgument)

	short := parts[:2]
	assert.ErrorIs(t, Validate(short, 0, 30), storage.ErrInvalidArgument)

	renumbered := append(parts[:0:0], parts...)
	renumbered[0].PartNumber = 2
	assert.ErrorIs(t, Validate(renumbered, 0, 30), storage.ErrInvalidArgument)
}
