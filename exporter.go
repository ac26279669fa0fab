package kfdigi

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Exporter defines an export interface.
type Exporter interface {
	Write(Estimate) error
	Close() error
}

// CSVExporter writes one line per estimate: each helix parameter with its
// two sigma band, then the chi-square.
type CSVExporter struct {
	delimiter string
	params    int
	hdlr      *os.File
}

// Close closes the file.
func (e CSVExporter) Close() (err error) {
	err = e.WriteRawLn(fmt.Sprintf("# Closing date (UTC): %s", time.Now().UTC()))
	if err != nil {
		return
	}
	return e.hdlr.Close()
}

// Write writes the estimate to the CSV file.
func (e CSVExporter) Write(est Estimate) error {
	x := est.Helix()
	if x.Len() != e.params {
		return errors.Errorf("estimate has %d parameters, exporter expects %d", x.Len(), e.params)
	}
	vals := make([]string, e.params*3+1)
	for i := 0; i < e.params*3; i += 3 {
		vals[i] = fmt.Sprintf("%g", x.AtVec(i/3))
		covar := 2 * math.Sqrt(est.Covariance().At(i/3, i/3))
		vals[i+1] = fmt.Sprintf("%g", covar)
		vals[i+2] = fmt.Sprintf("%g", -1*covar)
	}
	vals[len(vals)-1] = fmt.Sprintf("%g", est.Chi2())
	_, err := e.hdlr.WriteString(strings.Join(vals, e.delimiter) + "\n")
	return err
}

// WriteRawLn writes a raw line to the CSV file.
func (e CSVExporter) WriteRawLn(s string) error {
	_, err := e.hdlr.WriteString(s + "\n")
	return err
}

// Name returns the path of the exported file.
func (e CSVExporter) Name() string { return e.hdlr.Name() }

// NewCSVExporter initializes a new CSV export of estimates with the given helix parameter names.
func NewCSVExporter(headers []string, dir, filename string) (e *CSVExporter, err error) {
	f, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return
	}
	delimiter := ","
	// Header
	hdr := make([]string, len(headers)*3, len(headers)*3+1)
	for i := 0; i < len(headers)*3; i += 3 {
		hdr[i] = headers[i/3]
		hdr[i+1] = hdr[i] + "+2s"
		hdr[i+2] = hdr[i] + "-2s"
	}
	hdr = append(hdr, "chi2")
	if _, err = fmt.Fprintf(f, "# Creation date (UTC): %s\n%s\n", time.Now().UTC(), strings.Join(hdr, delimiter)); err != nil {
		f.Close()
		return nil, err
	}
	e = &CSVExporter{delimiter, len(headers), f}
	return
}
