// Package plot renders per-connection charts of the stepping-stone evidence.
package plot

import (
	"errors"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"sshtrace/internal/models"
	"sshtrace/internal/steppingstone"
)

// ErrNoSamples is returned when a connection has nothing to plot.
var ErrNoSamples = errors.New("no samples to plot")

const (
	width  = 8 * vg.Inch
	height = 4 * vg.Inch
)

// IATvsRTT saves a scatter of the client inter-arrival times and of their
// RTTs, one point per client payload datagram. The format follows the file
// extension of path.
func IATvsRTT(conn *models.Connection, path string) error {
	iats, rtts := steppingstone.Samples(conn.PayloadDatagrams(models.ClientToServer))
	if len(iats) == 0 {
		return ErrNoSamples
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Connection #%d: %s", conn.ID, conn.Endpoints())
	p.X.Label.Text = "Client datagram"
	p.Y.Label.Text = "Time (s)"

	iatPts := make(plotter.XYs, len(iats))
	rttPts := make(plotter.XYs, len(rtts))
	for i := range iats {
		iatPts[i].X, iatPts[i].Y = float64(i+1), iats[i]
		rttPts[i].X, rttPts[i].Y = float64(i+1), rtts[i]
	}

	iatScatter, err := plotter.NewScatter(iatPts)
	if err != nil {
		return err
	}
	iatScatter.GlyphStyle.Shape = draw.CircleGlyph{}
	iatScatter.GlyphStyle.Color = color.Black

	rttScatter, err := plotter.NewScatter(rttPts)
	if err != nil {
		return err
	}
	rttScatter.GlyphStyle.Shape = draw.CrossGlyph{}
	rttScatter.GlyphStyle.Color = color.RGBA{R: 200, A: 255}

	p.Add(iatScatter, rttScatter)
	p.Legend.Add("IAT", iatScatter)
	p.Legend.Add("RTT", rttScatter)
	p.Legend.Top = true
	p.Y.Min = 0

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("save plot %q: %w", path, err)
	}
	return nil
}

// PayloadSizes saves a histogram of the client payload sizes.
func PayloadSizes(conn *models.Connection, path string) error {
	datagrams := conn.PayloadDatagrams(models.ClientToServer)
	if len(datagrams) == 0 {
		return ErrNoSamples
	}
	sizes := make(plotter.Values, len(datagrams))
	for i, d := range datagrams {
		sizes[i] = float64(d.PayloadLen)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Connection #%d: client payload sizes", conn.ID)
	p.X.Label.Text = "Payload (bytes)"
	p.Y.Label.Text = "Datagrams"

	bins := len(datagrams)
	if bins > 64 {
		bins = 64
	}
	hist, err := plotter.NewHist(sizes, bins)
	if err != nil {
		return err
	}
	p.Add(hist)

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("save plot %q: %w", path, err)
	}
	return nil
}
