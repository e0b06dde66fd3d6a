package ingest

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/fetcher"
	"github.com/skane-air/aqcast/internal/model"
)

// IDPlaceholder is replaced by the location id in history source templates.
const IDPlaceholder = "{id}"

// pm25Columns are accepted pm25 headers, in preference order.
var pm25Columns = []string{"median", "pm25"}

var dateLayouts = []string{
	model.DateLayout,
	"2006/1/2",
	"2006-1-2",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// HistorySource resolves where a location's history file lives. source is a
// directory holding <id>.csv or <id>.xlsx, or a local path or http(s) URL
// template containing {id}.
func HistorySource(source, locationID string) (string, error) {
	if strings.Contains(source, IDPlaceholder) {
		return strings.ReplaceAll(source, IDPlaceholder, locationID), nil
	}
	if fetcher.IsRemote(source) {
		return strings.TrimRight(source, "/") + "/" + locationID + ".csv", nil
	}
	for _, ext := range []string{".csv", ".xlsx"} {
		p := filepath.Join(source, locationID+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", eris.Wrapf(fs.ErrNotExist, "ingest: no history file for %s in %s", locationID, source)
}

// History reads the location's daily pm25 history within [from, to]. Blank
// pm25 cells are skipped; a missing file is an error.
func (i *Ingester) History(ctx context.Context, source string, loc model.Location, from, to time.Time) ([]Reading, error) {
	path, err := HistorySource(source, loc.ID)
	if err != nil {
		return nil, &model.FetchError{Provider: ProviderHistory, Location: loc.ID, Err: err}
	}

	var rows [][]string
	if strings.EqualFold(filepath.Ext(trimQuery(path)), ".xlsx") {
		rows, err = i.readXLSX(ctx, path)
	} else {
		rows, err = i.readCSV(ctx, path)
	}
	if err != nil {
		return nil, &model.FetchError{Provider: ProviderHistory, Location: loc.ID, Err: err}
	}

	readings, err := ParseHistory(loc.ID, rows, from, to)
	if err != nil {
		return nil, &model.FetchError{Provider: ProviderHistory, Location: loc.ID, Err: err}
	}
	zap.L().Debug("history loaded",
		zap.String("component", "ingest"),
		zap.String("location", loc.ID),
		zap.String("source", path),
		zap.Int("readings", len(readings)))
	return readings, nil
}

func (i *Ingester) readCSV(ctx context.Context, path string) ([][]string, error) {
	if fetcher.IsRemote(path) && i.files == nil {
		return nil, eris.Errorf("ingest: no fetcher for remote source %s", path)
	}
	rc, err := fetcher.Open(ctx, i.files, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	header, rows, err := fetcher.ReadCSV(ctx, rc, fetcher.CSVOptions{
		HasHeader:  true,
		Comment:    '#',
		TrimSpace:  true,
		LazyQuotes: true,
	})
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, eris.Errorf("ingest: %s has no header", path)
	}
	return append([][]string{header}, rows...), nil
}

func (i *Ingester) readXLSX(ctx context.Context, path string) ([][]string, error) {
	if !fetcher.IsRemote(path) {
		return fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	}
	if i.files == nil {
		return nil, eris.Errorf("ingest: no fetcher for remote source %s", path)
	}
	rc, err := i.files.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck
	return fetcher.ParseXLSX(rc, fetcher.XLSXOptions{})
}

// ParseHistory maps header-first rows onto readings in [from, to], sorted by
// date. Zero from or to leave that side open. Later rows win on duplicate
// dates.
func ParseHistory(locationID string, rows [][]string, from, to time.Time) ([]Reading, error) {
	if len(rows) == 0 {
		return nil, eris.New("ingest: empty history")
	}
	dateCol, pmCol := -1, -1
	header := rows[0]
	for _, want := range pm25Columns {
		for c, h := range header {
			if normalizeHeader(h) == want && pmCol < 0 {
				pmCol = c
			}
		}
	}
	for c, h := range header {
		if normalizeHeader(h) == "date" {
			dateCol = c
		}
	}
	if dateCol < 0 || pmCol < 0 {
		return nil, eris.Errorf("ingest: history header %v needs date and one of %v", header, pm25Columns)
	}

	from, to = dayOrZero(from), dayOrZero(to)
	byDate := make(map[time.Time]float64)
	for n, row := range rows[1:] {
		if dateCol >= len(row) || pmCol >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[pmCol])
		if raw == "" {
			continue
		}
		d, err := parseDate(strings.TrimSpace(row[dateCol]))
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: row %d", n+2)
		}
		if (!from.IsZero() && d.Before(from)) || (!to.IsZero() && d.After(to)) {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) {
			return nil, eris.Errorf("ingest: row %d: bad pm25 %q", n+2, raw)
		}
		byDate[d] = v
	}

	out := make([]Reading, 0, len(byDate))
	for d, v := range byDate {
		out = append(out, Reading{LocationID: locationID, Date: d, PM25: v})
	}
	slices.SortFunc(out, func(a, b Reading) int { return a.Date.Compare(b.Date) })
	return out, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.ReplaceAll(h, ".", "")
}

func parseDate(s string) (time.Time, error) {
	var errs []error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return model.Day(t), nil
		}
		errs = append(errs, err)
	}
	return time.Time{}, eris.Wrapf(errors.Join(errs...), "unrecognized date %q", s)
}

func dayOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return model.Day(t)
}

func trimQuery(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}
