package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// TableHeader is the first row of the sample table
var TableHeader = []string{"Time [ms]", "Relative PD"}

// WriteTable writes the header and one row per sample, in the given order
func WriteTable(w io.Writer, rows []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TableHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{strconv.FormatInt(r.ElapsedMs, 10), strconv.Itoa(r.Diameter)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTableFile(filename string, rows []Sample) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteTable(f, rows); err != nil {
		f.Close()
		return err
	}
	// Close reports write-back errors, and the table must be durable before we report success
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadTable parses a table written by WriteTable
func ReadTable(r io.Reader) ([]Sample, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("Empty table")
	}
	rows := make([]Sample, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != 2 {
			return nil, fmt.Errorf("Row %v has %v columns", i+1, len(rec))
		}
		ms, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Row %v: %w", i+1, err)
		}
		d, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("Row %v: %w", i+1, err)
		}
		rows = append(rows, Sample{ElapsedMs: ms, Diameter: d})
	}
	return rows, nil
}

// writeChart plots diameter over time, with the baseline as a flat line if there is one
func writeChart(filename string, rows []Sample, baseline int) error {
	p := plot.New()
	p.Title.Text = "Pupil diameter"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Diameter (px)"

	pts := make(plotter.XYs, 0, len(rows))
	for _, r := range rows {
		pts = append(pts, plotter.XY{X: float64(r.ElapsedMs) / 1000, Y: float64(r.Diameter)})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("Failed to create diameter line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("diameter", line)

	if baseline > 0 && len(rows) > 0 {
		first := float64(rows[0].ElapsedMs) / 1000
		last := float64(rows[len(rows)-1].ElapsedMs) / 1000
		base, err := plotter.NewLine(plotter.XYs{{X: first, Y: float64(baseline)}, {X: last, Y: float64(baseline)}})
		if err != nil {
			return fmt.Errorf("Failed to create baseline line: %w", err)
		}
		base.Width = vg.Points(1)
		base.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(base)
		p.Legend.Add("baseline", base)
	}

	return p.Save(10*vg.Inch, 4*vg.Inch, filename)
}
