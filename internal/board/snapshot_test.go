package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

func TestSnapshotStore_GetEmpty(t *testing.T) {
	s := NewSnapshotStore()

	got := s.Get(domain.SideSell)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSnapshotStore_ReplaceReturnsPrevious(t *testing.T) {
	s := NewSnapshotStore()

	prev := s.Replace(domain.SideSell, []domain.Offer{offer("A", "100"), offer("B", "50")})
	assert.Empty(t, prev)

	prev = s.Replace(domain.SideSell, []domain.Offer{offer("A", "105")})
	require.Len(t, prev, 2)
	assert.True(t, prev["A"].Equal(dec("100")))
	assert.True(t, prev["B"].Equal(dec("50")))

	cur := s.Get(domain.SideSell)
	require.Len(t, cur, 1, "replace is wholesale, B must not survive")
	assert.True(t, cur["A"].Equal(dec("105")))
}

func TestSnapshotStore_SidesAreIndependent(t *testing.T) {
	s := NewSnapshotStore()

	s.Replace(domain.SideSell, []domain.Offer{offer("A", "100")})
	s.Replace(domain.SideBuy, []domain.Offer{offer("X", "90")})

	assert.Equal(t, []string{"A"}, keys(s.Get(domain.SideSell)))
	assert.Equal(t, []string{"X"}, keys(s.Get(domain.SideBuy)))
}

func TestSnapshotStore_GetReturnsCopy(t *testing.T) {
	s := NewSnapshotStore()
	s.Replace(domain.SideSell, []domain.Offer{offer("A", "100")})

	got := s.Get(domain.SideSell)
	got["A"] = dec("1")
	delete(got, "A")

	assert.True(t, s.Get(domain.SideSell)["A"].Equal(dec("100")))
}

func keys(m PriceMap) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
