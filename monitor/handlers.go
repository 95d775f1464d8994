package monitor

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/training"
)

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Experiment}} - matnet</title></head>
<body>
<h1>{{.Experiment}}</h1>
<p>{{.Model}} on {{.Dataset}}, run {{.RunID}}</p>
<p>epoch <span id="epoch">{{.Epoch}}</span> of {{.Epochs}}{{if .Finished}} (finished){{end}}</p>
{{with .Last}}<p>train loss {{printf "%.4f" .TrainLoss}}, train acc {{printf "%.2f" .TrainAccuracy}}%,
val loss {{printf "%.4f" .ValLoss}}, val acc {{printf "%.2f" .ValAccuracy}}%, lr {{.LearningRate}}</p>{{end}}
<p>best validation accuracy <span id="best">{{printf "%.2f" .Best}}</span>%</p>
{{if .Err}}<p>error: {{.Err}}</p>{{end}}
<img id="loss" src="plot/loss.svg">
<img id="accuracy" src="plot/accuracy.svg">
<script>
var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = function() {
	var t = Date.now();
	document.getElementById("loss").src = "plot/loss.svg?t=" + t;
	document.getElementById("accuracy").src = "plot/accuracy.svg?t=" + t;
	location.reload();
};
</script>
</body>
</html>
`))

func (s *Server) statusPage(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := statusTemplate.Execute(&buf, s.Snapshot()); err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) historyJSON(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data, err := json.Marshal(s.history)
	s.mu.RUnlock()
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) plotSVG(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.history.Clone()
	s.mu.RUnlock()

	build := training.LossPlot
	if mux.Vars(r)["name"] == "accuracy" {
		build = training.AccuracyPlot
	}
	p, err := build(h)
	if err == nil {
		var buf bytes.Buffer
		if err = training.WritePlot(p, &buf, 6*vg.Inch, 4*vg.Inch, "svg"); err == nil {
			w.Header().Set("Content-Type", "image/svg+xml")
			w.Write(buf.Bytes())
			return
		}
	}
	httpError(w, err)
}

func httpError(w http.ResponseWriter, err error) {
	klog.Errorf("monitor: %v", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
