package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumAccumulates(t *testing.T) {
	var s Sum
	s.Observe(3)
	s.Observe(4)
	require.Equal(t, int64(7), s.Value())
	s.Reset()
	require.Equal(t, int64(0), s.Value())
}

func TestMinMaxTrackExtremes(t *testing.T) {
	var mn Min
	var mx Max
	for _, v := range []int64{5, 1, 9, -2} {
		mn.Observe(v)
		mx.Observe(v)
	}
	require.Equal(t, int64(-2), mn.Value())
	require.Equal(t, int64(9), mx.Value())
}

func TestSequenceCountsObservations(t *testing.T) {
	var seq Sequence
	seq.Observe(100)
	seq.Observe(-5)
	seq.Observe(0)
	require.Equal(t, int64(3), seq.Value())
}

func TestAccumulatorInterfaceIsSatisfied(t *testing.T) {
	var _ Accumulator = &Sum{}
	var _ Accumulator = &Min{}
	var _ Accumulator = &Max{}
	var _ Accumulator = &Sequence{}
}
