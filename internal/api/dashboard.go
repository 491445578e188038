package api

import (
	"html/template"
	"net/http"

	"github.com/musequill/newsletter/internal/analytics"
)

type dashboardData struct {
	Report *analytics.Report
	Token  string
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardTemplate))

// handleDashboard handles GET /admin: a small server-rendered overview
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	report, err := s.aggregator.Report(s.config.Analytics.DefaultWindowDays)
	if err != nil {
		s.logger.Error("dashboard aggregation failed", "error", err)
		s.sendError(w, http.StatusServiceUnavailable, "Dashboard unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, dashboardData{Report: report, Token: s.config.Admin.Token}); err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
	}
}

const dashboardTemplate = `<!DOCTYPE html>
<html>
<head>
<title>Newsletter Admin</title>
<style>
  body { font-family: Arial, sans-serif; margin: 40px; background: #f5f5f5; }
  .container { max-width: 1000px; margin: 0 auto; }
  .card { background: white; padding: 20px; margin: 20px 0; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
  .stats { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 20px; }
  .stat { text-align: center; padding: 20px; background: #4a5fc1; color: white; border-radius: 10px; }
  .stat h3 { margin: 0; font-size: 2em; }
  .stat p { margin: 5px 0 0 0; opacity: 0.9; }
  table { width: 100%; border-collapse: collapse; }
  th, td { padding: 10px; text-align: left; border-bottom: 1px solid #ddd; }
  th { background: #f8f9fa; }
  .countdown { text-align: center; font-size: 1.2em; color: #4a5fc1; font-weight: bold; }
</style>
</head>
<body>
<div class="container">
  <h1>Newsletter Admin</h1>

  {{with .Report.LaunchCountdown}}
  <div class="card">
    <div class="countdown">Launch in {{.Days}} days, {{.Hours}} hours, {{.Minutes}} minutes</div>
  </div>
  {{end}}

  <div class="stats">
    <div class="stat"><h3>{{.Report.TotalSubscribers}}</h3><p>Total Subscribers</p></div>
    <div class="stat"><h3>{{.Report.ActiveSubscribers}}</h3><p>Active Subscribers</p></div>
    <div class="stat"><h3>{{len .Report.DailySignups}}</h3><p>Days Tracked</p></div>
  </div>

  <div class="card">
    <h2>Signup Sources</h2>
    <table>
      <tr><th>Source</th><th>Subscribers</th></tr>
      {{range .Report.Sources}}<tr><td>{{.Key}}</td><td>{{.Count}}</td></tr>{{end}}
    </table>
  </div>

  <div class="card">
    <h2>Recent Daily Signups</h2>
    <table>
      <tr><th>Date</th><th>Signups</th></tr>
      {{range .Report.DailySignups}}<tr><td>{{.Date}}</td><td>{{.Count}}</td></tr>{{end}}
    </table>
  </div>

  <div class="card">
    <h2>Top Referrers</h2>
    <table>
      <tr><th>Referrer</th><th>Subscribers</th></tr>
      {{range .Report.TopReferrers}}<tr><td>{{.Key}}</td><td>{{.Count}}</td></tr>{{end}}
    </table>
  </div>

  <div class="card">
    <h2>Quick Actions</h2>
    <p>
      <a href="/export?format=csv&token={{.Token}}">Export CSV</a> |
      <a href="/export?format=json&token={{.Token}}">Export JSON</a> |
      <a href="/analytics?token={{.Token}}">Raw Analytics</a>
    </p>
  </div>
</div>
</body>
</html>
`
