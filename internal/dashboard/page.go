package dashboard

import (
	"bytes"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

var pageTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"pm": formatPM,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Skåne PM2.5 forecast</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1.5em; }
th, td { border: 1px solid #ccc; padding: 0.3em 0.6em; text-align: right; }
td.good { background: #d8f0d2; }
td.moderate { background: #fde9a9; }
td.unhealthy { background: #f6b3b3; }
.banner { background: #fbe3a1; padding: 0.6em; border: 1px solid #d9b44a; margin-bottom: 1em; }
</style>
</head>
<body>
<h1>PM2.5 forecast</h1>
{{if .Stale}}<div class="banner">Forecast is stale{{if .GeneratedAt}}: last successful run {{printf "%.0f" .AgeHours}}h ago{{end}}{{if .Degraded}} (store unavailable, showing last loaded forecast){{end}}.</div>{{end}}
{{if .ForecastDate}}<p>Forecast issued {{.ForecastDate}}{{if .ModelVersion}}, model v{{.ModelVersion}}{{end}}. Bands: moderate &ge; {{.Moderate}} µg/m³, unhealthy &ge; {{.Unhealthy}} µg/m³.</p>{{else}}<p>No forecast available yet.</p>{{end}}
{{range .Locations}}
<h2>{{.City}}</h2>
<table>
<tr>{{range .Days}}<th>{{.TargetDate}}</th>{{end}}</tr>
<tr>{{range .Days}}<td class="{{.Band}}">{{pm .PM25}}</td>{{end}}</tr>
</table>
{{end}}
</body>
</html>
`))

type pageData struct {
	Forecast
	Moderate  float64
	Unhealthy float64
}

// handleIndex always renders a page, using the last good forecast or an
// empty one when the store is unavailable.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	f, _ := s.forecast(r.Context())

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, pageData{Forecast: f, Moderate: ModerateThreshold, Unhealthy: UnhealthyThreshold}); err != nil {
		zap.L().Error("dashboard: render page", zap.String("component", "dashboard"), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
