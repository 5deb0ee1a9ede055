package internal

// Keys collects the map's keys into a new slice. Ordering is unspecified,
// callers that need determinism must sort.
func Keys[K comparable, V any](m map[K]V) []K {
	if m == nil {
		return nil
	}
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
