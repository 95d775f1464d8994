package training

import (
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot file names written by SavePlots
const (
	LossPlotFile     = "loss.png"
	AccuracyPlotFile = "accuracy.png"
)

// LossPlot draws training and validation loss per epoch
func LossPlot(h *History) (*plot.Plot, error) {
	return curvePlot("Loss", "loss", h, "train_loss", "val_loss")
}

// AccuracyPlot draws training and validation accuracy per epoch
func AccuracyPlot(h *History) (*plot.Plot, error) {
	return curvePlot("Accuracy", "accuracy %", h, "train_acc", "val_acc")
}

func curvePlot(title, ylabel string, h *History, series ...string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, name := range series {
		values := h.Series(name)
		pts := make(plotter.XYs, len(values))
		for e, v := range values {
			pts[e].X, pts[e].Y = float64(e+1), v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to plot %s", name)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p, nil
}

// WritePlot renders p in the given format ("svg", "png", ...) to w
func WritePlot(p *plot.Plot, w io.Writer, width, height vg.Length, format string) error {
	writer, err := p.WriterTo(width, height, format)
	if err != nil {
		return errors.Wrap(err, "failed to render plot")
	}
	_, err = writer.WriteTo(w)
	return err
}

// SavePlots writes the loss and accuracy curves as PNG files into dir
func SavePlots(h *History, dir string) error {
	if h.Len() == 0 {
		return nil
	}
	for file, build := range map[string]func(*History) (*plot.Plot, error){
		LossPlotFile:     LossPlot,
		AccuracyPlotFile: AccuracyPlot,
	} {
		p, err := build(h)
		if err != nil {
			return err
		}
		if err := p.Save(8*vg.Inch, 5*vg.Inch, filepath.Join(dir, file)); err != nil {
			return errors.Wrapf(err, "failed to save %s", file)
		}
	}
	return nil
}
