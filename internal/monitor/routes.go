package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/uartlink/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

const tailPage = `<!doctype html>
<html>
<head><title>uartlink live tail</title>
<style>body{font-family:monospace} .anomaly{color:#c00}</style>
</head>
<body>
<h3>uartlink events</h3>
<pre id="log"></pre>
<script>
const log = document.getElementById("log");
const src = new EventSource("/debug/tail");
src.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  const line = document.createElement("div");
  line.textContent = ev.time + " " + ev.kind + " #" + ev.sequence + (ev.detail ? " " + ev.detail : "");
  if (["gap", "crc", "header", "desync"].includes(ev.kind)) line.className = "anomaly";
  log.prepend(line);
  while (log.childNodes.length > 500) log.removeChild(log.lastChild);
};
</script>
</body>
</html>
`

// AttachAdminRoutes mounts the live debug routes under /debug/. The tsweb
// debugger only admits loopback and Tailscale clients.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("live", "live tail of link events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(tailPage))
	})

	debug.HandleFunc("stats", "link counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, h.Snapshot())
	})

	debug.HandleFunc("chart", "link counters chart", h.handleChart)

	// Server-Sent Events, one JSON encoded event per message.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := h.Subscribe()
		defer h.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func (h *Hub) handleChart(w http.ResponseWriter, r *http.Request) {
	snap := h.Snapshot()

	x := []string{"Sent", "Received", "CRC errors", "Gaps", "Missing", "Header errors"}
	y := []opts.BarData{
		{Value: snap.Sent},
		{Value: snap.Received},
		{Value: snap.CRCErrors},
		{Value: snap.Lost},
		{Value: snap.MissingPackets},
		{Value: snap.HeaderErrors},
	}

	subtitle := fmt.Sprintf("run %s", snap.RunID)
	if !snap.LastEvent.IsZero() {
		subtitle += " at " + snap.LastEvent.Format("2006-01-02T15:04:05Z07:00")
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "uartlink", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Link counters", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("frames", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
