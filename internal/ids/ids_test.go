package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAtSortsByTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	c := NewAt(base.Add(time.Millisecond))

	require.Len(t, a, 26)
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.True(t, Valid(a))
}

func TestValid(t *testing.T) {
	for _, s := range []string{"", "missing", "../../etc/passwd", "01J0000000000000000000NONE", "81J00000000000000000000000"} {
		require.False(t, Valid(s), s)
	}
}
