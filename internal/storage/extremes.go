package storage

// PickExtremes selects the minimum and maximum value sample from an
// unordered set. Ties on value go to the lowest id, matching the ordering
// the SQL store applies.
func PickExtremes(samples []Sample) Extremes {
	if len(samples) == 0 {
		return Extremes{}
	}

	lowest, highest := 0, 0
	for i := 1; i < len(samples); i++ {
		s := samples[i]
		lo := samples[lowest]
		if s.Value < lo.Value || (s.Value == lo.Value && s.ID < lo.ID) {
			lowest = i
		}
		hi := samples[highest]
		if s.Value > hi.Value || (s.Value == hi.Value && s.ID < hi.ID) {
			highest = i
		}
	}

	lo := samples[lowest]
	hi := samples[highest]
	return Extremes{Lowest: &lo, Highest: &hi}
}
