// Package export writes feature-store contents to files for analysis:
// engineered rows as Parquet and forecast reports as XLSX.
package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/skane-air/aqcast/internal/model"
)

// FeatureRecord is the Parquet layout of one engineered row.
type FeatureRecord struct {
	LocationID string  `parquet:"name=location_id,type=BYTE_ARRAY,convertedtype=UTF8"`
	Date       int32   `parquet:"name=date,type=INT32,convertedtype=DATE"`
	PM25       float64 `parquet:"name=pm25,type=DOUBLE"`
	Latitude   float64 `parquet:"name=latitude,type=DOUBLE"`
	Longitude  float64 `parquet:"name=longitude,type=DOUBLE"`

	TemperatureMean       float64 `parquet:"name=temperature_mean,type=DOUBLE"`
	PrecipitationSum      float64 `parquet:"name=precipitation_sum,type=DOUBLE"`
	WindSpeedMax          float64 `parquet:"name=wind_speed_max,type=DOUBLE"`
	WindDirectionDominant float64 `parquet:"name=wind_direction_dominant,type=DOUBLE"`

	PM25Lag1  float64 `parquet:"name=pm25_lag_1,type=DOUBLE"`
	PM25Lag2  float64 `parquet:"name=pm25_lag_2,type=DOUBLE"`
	PM25Lag3  float64 `parquet:"name=pm25_lag_3,type=DOUBLE"`
	PM25Roll3 float64 `parquet:"name=pm25_roll_3,type=DOUBLE"`

	TemperatureMeanLag1       float64 `parquet:"name=temperature_mean_lag_1,type=DOUBLE"`
	PrecipitationSumLag1      float64 `parquet:"name=precipitation_sum_lag_1,type=DOUBLE"`
	WindSpeedMaxLag1          float64 `parquet:"name=wind_speed_max_lag_1,type=DOUBLE"`
	WindDirectionDominantLag1 float64 `parquet:"name=wind_direction_dominant_lag_1,type=DOUBLE"`

	TemperatureMeanRoll3       float64 `parquet:"name=temperature_mean_roll_3,type=DOUBLE"`
	PrecipitationSumRoll3      float64 `parquet:"name=precipitation_sum_roll_3,type=DOUBLE"`
	WindSpeedMaxRoll3          float64 `parquet:"name=wind_speed_max_roll_3,type=DOUBLE"`
	WindDirectionDominantRoll3 float64 `parquet:"name=wind_direction_dominant_roll_3,type=DOUBLE"`

	DayOfWeek int32 `parquet:"name=day_of_week,type=INT32"`
}

var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFeatureRecord converts an engineered row.
func NewFeatureRecord(e model.Engineered) FeatureRecord {
	return FeatureRecord{
		LocationID: e.LocationID,
		Date:       int32(model.DaysBetween(epoch, model.Day(e.Date))),
		PM25:       e.PM25,
		Latitude:   e.Latitude,
		Longitude:  e.Longitude,

		TemperatureMean:       e.TemperatureMean,
		PrecipitationSum:      e.PrecipitationSum,
		WindSpeedMax:          e.WindSpeedMax,
		WindDirectionDominant: e.WindDirectionDominant,

		PM25Lag1:  e.PM25Lag1,
		PM25Lag2:  e.PM25Lag2,
		PM25Lag3:  e.PM25Lag3,
		PM25Roll3: e.PM25Roll3,

		TemperatureMeanLag1:       e.WeatherLag1.TemperatureMean,
		PrecipitationSumLag1:      e.WeatherLag1.PrecipitationSum,
		WindSpeedMaxLag1:          e.WeatherLag1.WindSpeedMax,
		WindDirectionDominantLag1: e.WeatherLag1.WindDirectionDominant,

		TemperatureMeanRoll3:       e.WeatherRoll3.TemperatureMean,
		PrecipitationSumRoll3:      e.WeatherRoll3.PrecipitationSum,
		WindSpeedMaxRoll3:          e.WeatherRoll3.WindSpeedMax,
		WindDirectionDominantRoll3: e.WeatherRoll3.WindDirectionDominant,

		DayOfWeek: int32(e.DayOfWeek),
	}
}

// FeatureDate converts a Parquet DATE value back to a calendar date.
func FeatureDate(days int32) time.Time {
	return model.AddDays(epoch, int(days))
}

// WriteFeatures writes engineered rows to w as a SNAPPY-compressed Parquet
// file and returns the number of rows written.
func WriteFeatures(w io.Writer, rows []model.Engineered) (n int, err error) {
	pw, err := writer.NewParquetWriterFromWriter(w, new(FeatureRecord), 4)
	if err != nil {
		return 0, eris.Wrap(err, "export: create parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range rows {
		if err := pw.Write(NewFeatureRecord(e)); err != nil {
			return n, eris.Wrapf(err, "export: write %s %s", e.LocationID, e.Date.Format(model.DateLayout))
		}
		n++
	}

	// WriteStop can panic on a broken underlying writer.
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("export: finalize parquet: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return n, eris.Wrap(err, "export: finalize parquet")
	}
	return n, nil
}
