package export

import (
	"io"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/skane-air/aqcast/internal/model"
)

// Sheet names of the forecast report.
const (
	ForecastSheet = "Forecast"
	HindcastSheet = "Hindcast"
)

// Report is the content of a forecast workbook.
type Report struct {
	ForecastDate time.Time
	Locations    []model.Location
	Predictions  []model.Prediction
	Hindcast     []model.Hindcast
}

// WriteReport writes r as an XLSX workbook: one Forecast sheet with a row per
// location and a column per target date, and a Hindcast sheet with one row
// per past prediction.
func WriteReport(w io.Writer, r Report) error {
	f := xlsx.NewFile()
	if err := forecastSheet(f, r); err != nil {
		return err
	}
	if err := hindcastSheet(f, r); err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

func forecastSheet(f *xlsx.File, r Report) error {
	sheet, err := f.AddSheet(ForecastSheet)
	if err != nil {
		return eris.Wrap(err, "export: add forecast sheet")
	}

	var targets []time.Time
	seen := make(map[time.Time]bool)
	values := make(map[string]map[time.Time]float64)
	version := 0
	for _, p := range r.Predictions {
		if !seen[p.TargetDate] {
			seen[p.TargetDate] = true
			targets = append(targets, p.TargetDate)
		}
		if values[p.LocationID] == nil {
			values[p.LocationID] = make(map[time.Time]float64)
		}
		values[p.LocationID][p.TargetDate] = p.PredictedPM25
		version = p.ModelVersion
	}
	slices.SortFunc(targets, func(a, b time.Time) int { return a.Compare(b) })

	meta := sheet.AddRow()
	meta.AddCell().SetString("forecast_date")
	meta.AddCell().SetString(r.ForecastDate.Format(model.DateLayout))
	meta.AddCell().SetString("model_version")
	meta.AddCell().SetInt(version)

	header := sheet.AddRow()
	header.AddCell().SetString("location")
	header.AddCell().SetString("city")
	for _, t := range targets {
		header.AddCell().SetString(t.Format(model.DateLayout))
	}

	for _, loc := range r.Locations {
		vals, ok := values[loc.ID]
		if !ok {
			continue
		}
		row := sheet.AddRow()
		row.AddCell().SetString(loc.ID)
		row.AddCell().SetString(loc.City)
		for _, t := range targets {
			cell := row.AddCell()
			if v, ok := vals[t]; ok {
				cell.SetFloatWithFormat(v, "0.0")
			}
		}
	}
	return nil
}

func hindcastSheet(f *xlsx.File, r Report) error {
	sheet, err := f.AddSheet(HindcastSheet)
	if err != nil {
		return eris.Wrap(err, "export: add hindcast sheet")
	}
	header := sheet.AddRow()
	for _, h := range []string{"location", "forecast_date", "target_date", "lead_days", "predicted_pm25", "observed_pm25", "abs_error"} {
		header.AddCell().SetString(h)
	}
	for _, h := range r.Hindcast {
		row := sheet.AddRow()
		row.AddCell().SetString(h.LocationID)
		row.AddCell().SetString(h.ForecastDate.Format(model.DateLayout))
		row.AddCell().SetString(h.TargetDate.Format(model.DateLayout))
		row.AddCell().SetInt(model.DaysBetween(h.ForecastDate, h.TargetDate))
		row.AddCell().SetFloatWithFormat(h.PredictedPM25, "0.0")
		row.AddCell().SetFloatWithFormat(h.ObservedPM25, "0.0")
		row.AddCell().SetFloatWithFormat(h.AbsError(), "0.0")
	}
	return nil
}
