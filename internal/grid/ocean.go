package grid

// AdmitAll accepts every tile.
func AdmitAll(lon, lat float64) bool {
	return true
}

// AfricaLandMask is a coarse admission predicate for the Africa region: it
// rejects tiles whose center falls in open Atlantic or Indian Ocean far from
// the coast. It deliberately errs on the side of admitting; a coastal ocean
// tile costs one wasted acquisition, a rejected land tile is lost forever.
func AfricaLandMask(lon, lat float64) bool {
	// Atlantic, west of the continent.
	if lon < -10 && lat < 15 {
		return false
	}
	// Indian Ocean, southeast of the continent.
	if lon > 45 && lat < -10 {
		return false
	}
	return true
}
