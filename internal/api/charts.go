package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/jas-priatna/OpenScan-BH-SPC/internal/flim"
)

// showDecayChart renders per-channel decay curves (photon counts summed
// over all pixels per arrival-time bin) for the current acquisition.
func (s *Server) showDecayChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.run == nil {
		http.Error(w, "No acquisition running", http.StatusNotFound)
		return
	}

	line := charts.NewLine()
	var haveData bool

	s.run.WithHistogram(func(h *flim.HistogramSink) {
		bins := int(h.Bins())
		axis := make([]int, bins)
		for i := range axis {
			axis[i] = i
		}
		line.SetXAxis(axis)

		for _, ch := range h.Channels() {
			curve, ok := flim.DecayCurve(h, ch)
			if !ok {
				continue
			}
			data := make([]opts.LineData, len(curve))
			for i, v := range curve {
				data[i] = opts.LineData{Value: v}
			}
			line.AddSeries(fmt.Sprintf("channel %d", ch), data)
			haveData = true
		}

		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				PageTitle: "FLIM Decay Curves",
				Width:     "900px",
				Height:    "500px",
			}),
			charts.WithTitleOpts(opts.Title{
				Title:    "Decay curves",
				Subtitle: fmt.Sprintf("%dx%d, %d bins, %d frames", h.Width(), h.Height(), h.Bins(), h.FramesCompleted()),
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "arrival-time bin"}),
			charts.WithYAxisOpts(opts.YAxis{Name: "photons", Type: "log"}),
		)
	})

	if !haveData {
		http.Error(w, "No histogram data yet", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
