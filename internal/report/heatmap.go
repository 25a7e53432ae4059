package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	cellSize    = 18
	cellGap     = 4
	heatPadding = 16
	headerH     = 24
	footerH     = 20
	maxColumns  = 15
	minWidth    = 220
)

// heat levels from idle to busy
var heatPalette = []string{"#ebedf0", "#9be9a8", "#40c463", "#30a14e", "#216e39"}

var (
	heatBackground = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	heatText       = color.RGBA{R: 36, G: 41, B: 47, A: 255}
)

func heatLevel(n, peak int) int {
	switch {
	case n <= 0:
		return 0
	case peak <= 1:
		return len(heatPalette) - 1
	}
	lvl := 1 + (n-1)*(len(heatPalette)-1)/peak
	return min(lvl, len(heatPalette)-1)
}

// heatmapSVG lays the days out left to right, wrapping every maxColumns days.
func heatmapSVG(days []DayCount) (string, int, int) {
	cols := min(max(len(days), 1), maxColumns)
	rows := (len(days) + maxColumns - 1) / maxColumns
	rows = max(rows, 1)
	w := max(heatPadding*2+cols*(cellSize+cellGap)-cellGap, minWidth)
	h := headerH + footerH + heatPadding + rows*(cellSize+cellGap) - cellGap

	peak := 0
	for _, d := range days {
		peak = max(peak, d.Count)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`, w, h, w, h)
	for i, d := range days {
		x := heatPadding + (i%maxColumns)*(cellSize+cellGap)
		y := headerH + (i/maxColumns)*(cellSize+cellGap)
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" rx="3" ry="3" fill="%s"/>`,
			x, y, cellSize, cellSize, heatPalette[heatLevel(d.Count, peak)])
	}
	b.WriteString(`</svg>`)
	return b.String(), w, h
}

// Heatmap renders the per-day solve counts as a PNG strip.
func Heatmap(rep *Report) ([]byte, error) {
	if rep == nil {
		return nil, fmt.Errorf("nil report")
	}
	doc, w, h := heatmapSVG(rep.PerDay)
	icon, err := oksvg.ReadIconStream(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse heatmap svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(heatBackground), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)

	drawer := &font.Drawer{Dst: img, Src: image.NewUniform(heatText), Face: basicfont.Face7x13}
	label(drawer, heatPadding, headerH-8, fmt.Sprintf("%d solved, %d submissions", rep.UniqueSolved, rep.TotalSubmissions))
	if n := len(rep.PerDay); n > 0 {
		foot := rep.PerDay[0].Day.String()
		if n > 1 {
			foot += " .. " + rep.PerDay[n-1].Day.String()
		}
		label(drawer, heatPadding, h-6, foot)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode heatmap: %w", err)
	}
	return buf.Bytes(), nil
}

func label(d *font.Drawer, x, y int, text string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}
