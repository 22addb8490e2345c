package monte

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajoshiusc/QRSegment/datasets"
	"github.com/ajoshiusc/QRSegment/quantile"
)

// cycleSampler returns constant maps with the values 0, 1/n, ..., (n-1)/n
// in turn.
type cycleSampler struct {
	n, i int
	h, w int
}

func (c *cycleSampler) SampleMap() (datasets.Grid, error) {
	g := datasets.NewGrid(c.h, c.w)
	v := float32(c.i%c.n) / float32(c.n)
	for p := range g.Data {
		g.Data[p] = v
	}
	c.i++
	return g, nil
}

func TestQuantileMapsAreOrdered(t *testing.T) {
	s := &cycleSampler{n: 8, h: 2, w: 3}
	levels := quantile.DefaultLevels()
	maps, err := QuantileMaps(s, levels, 8)
	require.NoError(t, err)
	require.Len(t, maps, len(levels))

	for k := 1; k < len(maps); k++ {
		for p := range maps[k].Data {
			assert.GreaterOrEqual(t, maps[k-1].Data[p], maps[k].Data[p])
		}
	}
	// Empirical quantile of {0, .125, ..., .875}: level 0.875 picks the 7th value.
	assert.InDelta(t, 0.75, maps[0].Data[0], 1e-6)
	assert.InDelta(t, 0.0, maps[3].Data[0], 1e-6)
	assert.Equal(t, 2, maps[0].H)
	assert.Equal(t, 3, maps[0].W)
}

func TestDrawErrors(t *testing.T) {
	_, err := Draw(&cycleSampler{n: 1, h: 1, w: 1}, 0)
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = Draw(SamplerFunc(func() (datasets.Grid, error) { return datasets.Grid{}, boom }), 2)
	assert.ErrorIs(t, err, boom)

	calls := 0
	shifting := SamplerFunc(func() (datasets.Grid, error) {
		calls++
		return datasets.NewGrid(calls, 1), nil
	})
	_, err = Draw(shifting, 2)
	assert.ErrorIs(t, err, datasets.ErrInvalidInputShape)
}

func TestQuantileMapsRejectsBadLevels(t *testing.T) {
	_, err := QuantileMaps(&cycleSampler{n: 2, h: 1, w: 1}, quantile.Levels{1.5}, 2)
	assert.Error(t, err)
}
