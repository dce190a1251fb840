// Package local reads the entity input table and keeps the ledger tables as
// CSV or XLSX files, replacing each file atomically on every write.
package local

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/contact-harvester/internal/atomicfile"
)

// Format is a tabular file encoding.
type Format int

// Supported formats.
const (
	FormatCSV Format = iota
	FormatXLSX
)

// xlsxCellLimit is the largest string an XLSX cell can hold.
const xlsxCellLimit = excelize.TotalCellChars

// FormatFor picks the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return 0, fmt.Errorf("unsupported table format %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// cellLimit is the maximum cell length for f; 0 means unlimited.
func (f Format) cellLimit() int {
	if f == FormatXLSX {
		return xlsxCellLimit
	}
	return 0
}

// Table is a header plus string rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of name in the header, case-insensitively, or -1.
func (t Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// ReadTable reads path. A missing file yields os.ErrNotExist.
func ReadTable(path string) (Table, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Table{}, err
	}
	var rows [][]string
	switch format {
	case FormatXLSX:
		rows, err = readXLSX(path)
	default:
		rows, err = readCSV(path)
	}
	if err != nil {
		return Table{}, err
	}
	if len(rows) == 0 {
		return Table{}, nil
	}
	return Table{Header: rows[0], Rows: rows[1:]}, nil
}

func readCSV(path string) ([][]string, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rows, nil
}

func readXLSX(path string) ([][]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

// WriteTable replaces path with t. The table is written to a temporary file
// in the same directory, synced, and renamed over path, so readers see either
// the old or the new file.
func WriteTable(path string, t Table) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	var encode func(io.Writer, Table) error
	switch format {
	case FormatXLSX:
		encode = encodeXLSX
	default:
		encode = encodeCSV
	}
	return atomicfile.Write(path, func(w io.Writer) error { return encode(w, t) })
}

func encodeCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

func encodeXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	put := func(rowNum int, cells []string) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		vals := make([]any, len(cells))
		for i, c := range cells {
			if len(c) > xlsxCellLimit {
				return fmt.Errorf("row %d column %d exceeds %d characters", rowNum, i+1, xlsxCellLimit)
			}
			vals[i] = c
		}
		if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
			return fmt.Errorf("write row %d: %w", rowNum, err)
		}
		return nil
	}
	if err := put(1, t.Header); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if err := put(i+2, row); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("encode xlsx: %w", err)
	}
	return nil
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
