package filter

import (
	"testing"

	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/stretchr/testify/require"
)

func sampleAll(t *testing.T, f Filter, values []int64) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, f.Sample(omlvalue.Int32(int32(v))))
	}
}

func TestLossNoGaps(t *testing.T) {
	f := NewLoss(0)
	sampleAll(t, f, []int64{1, 2, 3, 4, 5})
	out, err := f.Process()
	require.NoError(t, err)
	require.Equal(t, int32(0), out[0].I32)
	require.Equal(t, int32(0), out[1].I32)
	require.Equal(t, int32(5), out[2].I32)
}

func TestLossWithGap(t *testing.T) {
	f := NewLoss(0)
	sampleAll(t, f, []int64{1, 2, 3, 7})
	out, err := f.Process()
	require.NoError(t, err)
	require.Equal(t, int32(3), out[0].I32) // 4,5,6 missing
	require.Equal(t, int32(0), out[1].I32)
	require.Equal(t, int32(4), out[2].I32)
}

func TestLossDocumentedExample(t *testing.T) {
	f := NewLoss(0)
	sampleAll(t, f, []int64{1, 2, 4, 7, 7, 6, 8})
	out, err := f.Process()
	require.NoError(t, err)
	require.Equal(t, int32(3), out[0].I32)
	require.Equal(t, int32(2), out[1].I32)
	require.Equal(t, int32(7), out[2].I32)
}

func TestLossProcessResetsCounters(t *testing.T) {
	f := NewLoss(0)
	sampleAll(t, f, []int64{1, 5})
	_, err := f.Process()
	require.NoError(t, err)
	sampleAll(t, f, []int64{6, 7})
	out, err := f.Process()
	require.NoError(t, err)
	// last-seen carried over from the first batch (5), so 6 is contiguous.
	require.Equal(t, int32(0), out[0].I32)
	require.Equal(t, int32(0), out[1].I32)
	require.Equal(t, int32(2), out[2].I32)
}

func TestLastEmitsStoredValue(t *testing.T) {
	f := NewLast("value", omlvalue.TypeDouble)
	require.NoError(t, f.Sample(omlvalue.Double(3.5)))
	out, err := f.Process()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 3.5, out[0].F64)
}

func TestLastStringResetsAfterProcess(t *testing.T) {
	f := NewLast("label", omlvalue.TypeString)
	require.NoError(t, f.Sample(omlvalue.String("hello")))
	out, err := f.Process()
	require.NoError(t, err)
	require.Equal(t, "hello", out[0].Str)

	out2, err := f.Process()
	require.NoError(t, err)
	require.Equal(t, "", out2[0].Str)
}

func TestLastRejectsTypeMismatch(t *testing.T) {
	f := NewLast("value", omlvalue.TypeInt32)
	err := f.Sample(omlvalue.Double(1.0))
	require.Error(t, err)
}
