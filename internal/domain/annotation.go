package domain

// Annotation is the transient per-offer marker describing how an offer's
// price changed since the previous snapshot of its side.
type Annotation string

const (
	AnnotationNone           Annotation = ""
	AnnotationPriceIncreased Annotation = "price_increased"
	AnnotationPriceDecreased Annotation = "price_decreased"
	AnnotationNewlyAppeared  Annotation = "newly_appeared"
)

// AnnotationMap maps offer IDs to their annotation. Offers without a change
// are absent from the map.
type AnnotationMap map[string]Annotation

// Clone returns an independent copy of m.
func (m AnnotationMap) Clone() AnnotationMap {
	out := make(AnnotationMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
