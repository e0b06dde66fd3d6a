package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/skane-air/aqcast/internal/model"
)

type locationsFile struct {
	Locations []model.Location `json:"locations" yaml:"locations"`
}

// LoadLocations reads the monitored locations from a JSON or YAML file.
// Missing ids are derived from the city name. Order is preserved.
func LoadLocations(path string) ([]model.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read locations %s", path)
	}

	var f locationsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "config: parse locations %s", path)
	}
	return normalizeLocations(f.Locations)
}

func normalizeLocations(locs []model.Location) ([]model.Location, error) {
	if len(locs) == 0 {
		return nil, eris.New("config: no locations configured")
	}
	seen := make(map[string]bool, len(locs))
	out := make([]model.Location, 0, len(locs))
	for i, l := range locs {
		if l.ID == "" {
			l.ID = Slug(l.City)
		}
		if l.ID == "" {
			return nil, eris.Errorf("config: location %d has neither id nor city", i)
		}
		if seen[l.ID] {
			return nil, eris.Errorf("config: duplicate location id %q", l.ID)
		}
		if l.Station == "" {
			return nil, eris.Errorf("config: location %q has no station", l.ID)
		}
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return nil, eris.Errorf("config: location %q has invalid coordinates", l.ID)
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out, nil
}

// Slug folds a city name to a lowercase ASCII identifier ("Malmö" -> "malmo").
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
