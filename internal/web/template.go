package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/boxctl/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"level": func(s string) string {
		if s == "" {
			return status.LevelUnknown
		}
		return s
	},
	"ago": func(now, t time.Time) string {
		return now.Sub(t).Truncate(time.Second).String()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>boxctl node {{.Config.Address}}</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.HIGH { color: green; font-weight: bold; }
.LOW { color: #888; }
.UNKNOWN { color: orange; }
.connected { color: green; }
.disconnected, .silent { color: red; }
</style>
</head>
<body>
<h1>Node {{.Config.Address}} ({{.Config.Role}}){{if not .Node.Awake}} asleep{{end}}</h1>

<h2>Inputs</h2>
<table>
{{range $i, $l := .Node.Inputs}}<tr><th>in {{$i}}</th><td class="{{level $l}}">{{level $l}}</td></tr>
{{end}}</table>

<h2>Outputs</h2>
<table>
{{range $i, $l := .Node.Outputs}}<tr><th>out {{$i}}</th><td class="{{level $l}}">{{level $l}}</td></tr>
{{end}}</table>

{{if .Node.Shutters}}<h2>Shutters</h2>
<table>
{{range .Node.Shutters}}<tr><th>group {{.Group}}</th><td>{{.State}} at {{.Position}}%{{if ge .Target 0}} to {{.Target}}%{{end}}{{if .Pending}} (next {{.Pending}}){{end}}</td></tr>
{{end}}</table>{{end}}

{{if .Peers}}<h2>Peers</h2>
<table>
{{range .Peers}}<tr><th>node {{.Addr}} {{.Role}}</th><td class="{{if .Silent}}silent{{end}}">{{if .Silent}}silent{{else}}seen{{end}} {{ago $.Now .LastSeen}} ago, {{.Faults}} faults</td></tr>
{{end}}</table>{{end}}

<h2>Counters</h2>
<table>
<tr><th>Events</th><td>{{.Node.Events}}</td></tr>
<tr><th>Commands</th><td>{{.Node.Commands}}</td></tr>
<tr><th>Faults</th><td>{{.Node.Faults}} ({{.Node.HWFaults}} expander)</td></tr>
<tr><th>Bus sent / received</th><td>{{.Bus.Sent}} / {{.Bus.Received}}</td></tr>
<tr><th>Bus retries / exhausted</th><td>{{.Bus.Retries}} / {{.Bus.Exhausted}}</td></tr>
<tr><th>Bus queue full / malformed</th><td>{{.Bus.QueueFull}} / {{.Bus.Malformed}}</td></tr>
{{if .Gate}}<tr><th>Host out / in</th><td>{{.Gate.ToHost}} / {{.Gate.FromHost}}</td></tr>
<tr><th>Host dropped / rejected</th><td>{{.Gate.HostDropped}} / {{.Gate.Rejected}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Bus</th><td>{{.Config.BusInterface}}</td></tr>
<tr><th>Low power</th><td>{{if .Config.LowPower}}enabled{{else}}disabled{{end}}</td></tr>
{{if .Config.Broker}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}} ({{.Config.Broker}})</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
