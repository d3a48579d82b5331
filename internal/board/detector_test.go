package board

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const timeForever = time.Hour

// pass runs one detect-then-commit cycle the way the refresh session does.
func pass(d *Detector, s *SnapshotStore, side domain.Side, offers ...domain.Offer) domain.AnnotationMap {
	ann := d.Detect(side, offers, s.Get(side))
	s.Replace(side, offers)
	return ann
}

func TestDetector_FirstLoadSuppression(t *testing.T) {
	d := newTestDetector(t)

	ann := d.Detect(domain.SideSell, []domain.Offer{offer("A", "100"), offer("B", "50")}, PriceMap{})

	assert.Empty(t, ann)
	assert.True(t, d.Seen(domain.SideSell, "A"))
	assert.True(t, d.Seen(domain.SideSell, "B"))
}

func TestDetector_FirstSightingIsNotNewlyAppeared(t *testing.T) {
	d := newTestDetector(t)
	s := NewSnapshotStore()

	pass(d, s, domain.SideSell, offer("A", "100"), offer("B", "50"))
	ann := pass(d, s, domain.SideSell, offer("A", "105"), offer("B", "50"), offer("C", "70"))

	assert.Equal(t, domain.AnnotationMap{"A": domain.AnnotationPriceIncreased}, ann)
}

func TestDetector_ReappearedOfferIsNewlyAppeared(t *testing.T) {
	d := newTestDetector(t)
	s := NewSnapshotStore()

	pass(d, s, domain.SideSell, offer("C", "70"))
	pass(d, s, domain.SideSell, offer("A", "100"), offer("B", "50"))
	ann := pass(d, s, domain.SideSell, offer("A", "105"), offer("B", "50"), offer("C", "70"))

	assert.Equal(t, domain.AnnotationMap{
		"A": domain.AnnotationPriceIncreased,
		"C": domain.AnnotationNewlyAppeared,
	}, ann)
}

func TestDetector_PriceDirections(t *testing.T) {
	tests := []struct {
		name string
		prev string
		next string
		want domain.Annotation
	}{
		{"increase", "100", "100.01", domain.AnnotationPriceIncreased},
		{"decrease", "100", "99.99", domain.AnnotationPriceDecreased},
		{"equal", "100", "100.00", domain.AnnotationNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(t)
			ann := d.Detect(domain.SideBuy, []domain.Offer{offer("A", tt.next)}, prices("A", tt.prev))
			assert.Equal(t, tt.want, ann["A"])
		})
	}
}

func TestDetector_StalePricesDoNotLeak(t *testing.T) {
	d := newTestDetector(t)

	// Z lingers in the previous mapping but is absent from the new list.
	ann := d.Detect(domain.SideSell, []domain.Offer{offer("A", "100")}, prices("A", "100", "Z", "1"))

	assert.Empty(t, ann)
}

func TestDetector_SidesAreIndependent(t *testing.T) {
	d := newTestDetector(t)

	d.Detect(domain.SideSell, []domain.Offer{offer("A", "100")}, PriceMap{})
	ann := d.Detect(domain.SideBuy, []domain.Offer{offer("A", "100")}, PriceMap{})

	assert.Empty(t, ann, "an id seen on sell is still first-seen on buy")
	assert.False(t, d.Seen(domain.SideBuy, "missing"))
}

func TestDetector_AnnotationsExpire(t *testing.T) {
	var expired atomic.Int32
	d := NewDetector(
		WithHighlightWindow(50*time.Millisecond),
		WithExpireHook(func(domain.Side) { expired.Add(1) }),
	)
	defer d.Stop()

	ann := d.Detect(domain.SideSell, []domain.Offer{offer("A", "105")}, prices("A", "100"))
	require.Len(t, ann, 1)
	assert.Len(t, d.Annotations(domain.SideSell), 1)

	assert.Eventually(t, func() bool {
		return len(d.Annotations(domain.SideSell)) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDetector_StaleTimerDoesNotClearNewerPass(t *testing.T) {
	d := newTestDetector(t)

	d.Detect(domain.SideSell, []domain.Offer{offer("A", "105")}, prices("A", "100"))
	gen := d.sides[domain.SideSell].gen

	d.Detect(domain.SideSell, []domain.Offer{offer("A", "110")}, prices("A", "105"))

	// Simulate the first timer firing after the second pass replaced it.
	d.expire(domain.SideSell, gen)

	assert.Equal(t, domain.AnnotationMap{"A": domain.AnnotationPriceIncreased}, d.Annotations(domain.SideSell))
}

func TestDetector_EmptyPassClearsAnnotations(t *testing.T) {
	d := newTestDetector(t)

	d.Detect(domain.SideSell, []domain.Offer{offer("A", "105")}, prices("A", "100"))
	d.Detect(domain.SideSell, []domain.Offer{offer("A", "105")}, prices("A", "105"))

	assert.Empty(t, d.Annotations(domain.SideSell))
}

func TestDetector_SeenCapacityEvicts(t *testing.T) {
	d := newTestDetector(t, WithSeenCapacity(2))

	d.Detect(domain.SideSell, []domain.Offer{offer("A", "1"), offer("B", "1"), offer("C", "1")}, PriceMap{})

	assert.False(t, d.Seen(domain.SideSell, "A"))
	assert.True(t, d.Seen(domain.SideSell, "B"))
	assert.True(t, d.Seen(domain.SideSell, "C"))
}

func TestDetector_ReturnsCopy(t *testing.T) {
	d := newTestDetector(t)

	ann := d.Detect(domain.SideSell, []domain.Offer{offer("A", "105")}, prices("A", "100"))
	delete(ann, "A")

	assert.Len(t, d.Annotations(domain.SideSell), 1)
}
