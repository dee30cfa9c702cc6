package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/pool-monitor/internal/status"
)

// formatUptime renders d as "3d 4h5m6s", dropping the day part when zero.
func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	const day = 24 * time.Hour
	if d < day {
		return d.String()
	}
	return fmt.Sprintf("%dd %s", d/day, (d % day).String())
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"when":   formatWhen,
	"flow":   status.FlowLabel,
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Pool Monitor</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 1.5rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.3rem; border-bottom: 2px solid #2a7ab0; }
h2 { font-size: 1rem; color: #2a7ab0; margin-bottom: 0.2rem; }
table { width: 100%; border-spacing: 0; }
th, td { padding: 3px 6px; text-align: left; }
th { font-weight: normal; color: #555; width: 45%; }
tr:nth-child(even) { background: #f3f7fa; }
.on, .connected { color: #1a8a3a; }
.off { color: #777; }
.unknown { color: #c78000; }
.warn, .disconnected { color: #c0392b; font-weight: bold; }
</style>
</head>
<body>
<h1>Pool Monitor</h1>

<h2>Readings</h2>
<table>
{{with .Engine.Signals}}
<tr><th>ORP</th><td id="orp">{{.ORP}}</td></tr>
<tr><th>pH</th><td id="ph">{{.PH}}</td></tr>
<tr><th>Pump RPM</th><td id="rpm">{{.PumpRPM}}</td></tr>
<tr><th>Water flow</th><td id="flow" class="{{flow .WaterFlow}}">{{flow .WaterFlow}}</td></tr>
{{end}}
</table>

<h2>Monitoring</h2>
<table>
<tr><th>Session</th><td id="session" class="{{if .Engine.Active}}on{{else}}off{{end}}">{{if .Engine.Active}}active since {{when .Engine.SessionStart}}{{else}}stopped{{end}}</td></tr>
<tr><th>Unchanged ticks</th><td id="failures" class="{{if .Stuck}}warn{{end}}">{{.Engine.FailureCount}} / {{.Config.FailureCount}}</td></tr>
<tr><th>Last alert</th><td>{{when .Engine.LastAlert}}</td></tr>
<tr><th>Last flow reset</th><td>{{when .Engine.LastFlowReset}}</td></tr>
{{if .Engine.LastIncidentID}}<tr><th>Last incident</th><td>{{.Engine.LastIncidentID}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>{{.Config.Transport}}</th><td class="{{if .Connected}}connected{{else}}disconnected{{end}}">{{if .Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
</table>

<h2>Counts</h2>
<table>
{{with .Engine.Counts}}
<tr><th>Sessions</th><td>{{.Sessions}}</td></tr>
<tr><th>Ticks</th><td>{{.Ticks}}</td></tr>
<tr><th>Alerts</th><td>{{.Alerts}}</td></tr>
<tr><th>Device resets</th><td>{{.Resets}}</td></tr>
<tr><th>Flow switch resets</th><td>{{.FlowResets}}</td></tr>
<tr><th>Dropped messages</th><td>{{.ParseErrors}}</td></tr>
{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{when .StartTime}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickInterval}}</td></tr>
<tr><th>Alert interval</th><td>{{.Config.ThrottleWindow}}</td></tr>
<tr><th>Tolerance</th><td>{{.Config.Tolerance}}</td></tr>
<tr><th>Pump threshold</th><td>{{.Config.PumpRPMThreshold}} rpm</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.Heartbeat 0}}disabled{{else}}{{.Config.Heartbeat}}{{end}}</td></tr>
<tr><th>GPIO flow switch</th><td>{{if .Config.GPIOFlowSwitch}}enabled{{else}}disabled{{end}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Stuck  bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Stuck:    snap.Config.FailureCount > 0 && int(snap.Engine.FailureCount) >= snap.Config.FailureCount,
	}
	indexTmpl.Execute(w, data)
}
