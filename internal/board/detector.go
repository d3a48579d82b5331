package board

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const (
	// DefaultHighlightWindow is how long annotations from one detection pass
	// stay visible.
	DefaultHighlightWindow = 3 * time.Second

	// DefaultSeenCapacity bounds the ever-seen identity set of each side.
	DefaultSeenCapacity = 50_000
)

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithHighlightWindow overrides DefaultHighlightWindow.
func WithHighlightWindow(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.window = d
		}
	}
}

// WithSeenCapacity overrides DefaultSeenCapacity.
func WithSeenCapacity(n int) DetectorOption {
	return func(det *Detector) {
		if n > 0 {
			det.seenCap = n
		}
	}
}

// WithExpireHook registers fn to run after the annotations of a side expire.
func WithExpireHook(fn func(side domain.Side)) DetectorOption {
	return func(det *Detector) {
		det.onExpire = fn
	}
}

// Detector computes per-offer price annotations between successive snapshots
// of a side and owns their expiry.
//
// Every Detect call produces a fresh map and replaces the pending expiry of
// its side. A generation counter keeps an older timer that fires late from
// clearing annotations of a newer pass.
type Detector struct {
	window   time.Duration
	seenCap  int
	onExpire func(side domain.Side)

	mu    sync.Mutex
	sides map[domain.Side]*sideTrack
}

type sideTrack struct {
	// seen holds every ID observed in any pass, bounded by LRU eviction.
	seen    *lru.Cache[string, struct{}]
	current domain.AnnotationMap
	gen     uint64
	timer   *time.Timer
}

// NewDetector creates a Detector.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		window:  DefaultHighlightWindow,
		seenCap: DefaultSeenCapacity,
		sides:   make(map[domain.Side]*sideTrack),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HighlightWindow returns the configured annotation lifetime.
func (d *Detector) HighlightWindow() time.Duration {
	return d.window
}

// track returns the state for side, creating it on first use. Caller holds d.mu.
func (d *Detector) track(side domain.Side) *sideTrack {
	t, ok := d.sides[side]
	if !ok {
		// lru.New only fails for a non-positive size, which options prevent.
		seen, _ := lru.New[string, struct{}](d.seenCap)
		t = &sideTrack{seen: seen}
		d.sides[side] = t
	}
	return t
}

// Detect annotates offers against prev, the price mapping of the previous
// snapshot of side:
//
//   - present in prev with a higher price: price increased
//   - present in prev with a lower price: price decreased
//   - absent from prev but seen in an earlier pass: newly appeared
//   - absent and never seen (first load included): no annotation
//
// The result becomes the live annotation set of side until the highlight
// window elapses or the next Detect call for the same side.
func (d *Detector) Detect(side domain.Side, offers []domain.Offer, prev PriceMap) domain.AnnotationMap {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.track(side)

	ann := make(domain.AnnotationMap)
	for _, o := range offers {
		old, ok := prev[o.ID]
		if !ok {
			if t.seen.Contains(o.ID) {
				ann[o.ID] = domain.AnnotationNewlyAppeared
			}
			continue
		}
		switch o.Price.Cmp(old) {
		case 1:
			ann[o.ID] = domain.AnnotationPriceIncreased
		case -1:
			ann[o.ID] = domain.AnnotationPriceDecreased
		}
	}

	for _, o := range offers {
		t.seen.Add(o.ID, struct{}{})
	}

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.current = ann
	if len(ann) > 0 {
		gen := t.gen
		t.timer = time.AfterFunc(d.window, func() { d.expire(side, gen) })
	}

	return ann.Clone()
}

// Annotations returns a copy of the live annotations of side.
func (d *Detector) Annotations(side domain.Side) domain.AnnotationMap {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.sides[side]
	if !ok || t.current == nil {
		return domain.AnnotationMap{}
	}
	return t.current.Clone()
}

// Seen reports whether id was observed on side in any pass still remembered.
func (d *Detector) Seen(side domain.Side, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.sides[side]
	return ok && t.seen.Contains(id)
}

// Stop cancels every pending expiry. Live annotations stay as they are.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.sides {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
}

func (d *Detector) expire(side domain.Side, gen uint64) {
	d.mu.Lock()
	t, ok := d.sides[side]
	if !ok || t.gen != gen {
		d.mu.Unlock()
		return
	}
	t.current = nil
	t.timer = nil
	d.mu.Unlock()

	if d.onExpire != nil {
		d.onExpire(side)
	}
}
