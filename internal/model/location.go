package model

// Location is a monitored town with its AQICN station and coordinates.
type Location struct {
	ID        string  `json:"id" yaml:"id"`
	City      string  `json:"city" yaml:"city"`
	Country   string  `json:"country" yaml:"country"`
	Station   string  `json:"station" yaml:"station"` // AQICN feed identifier, e.g. "@10027" or "sweden/malmo/radhuset"
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// LocationIndex returns the locations keyed by ID.
func LocationIndex(locs []Location) map[string]Location {
	idx := make(map[string]Location, len(locs))
	for _, l := range locs {
		idx[l.ID] = l
	}
	return idx
}
