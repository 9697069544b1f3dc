// Package sheet loads spreadsheets into an in-memory grid, applies row fills
// and writes the workbook back out as xlsx.
package sheet

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Document is the active sheet of a workbook. Row 0 is the header and every
// row is padded to Width cells.
type Document struct {
	name  string
	file  *excelize.File
	sheet string
	rows  [][]string
	width int
	fills map[string]int
}

// LoadFile opens the spreadsheet at path.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Name: filepath.Base(path), Err: err}
	}
	defer f.Close()
	return Load(f, filepath.Base(path))
}

// Load reads an xlsx or csv spreadsheet from r. name is only used to pick the
// format and to label errors.
func Load(r io.Reader, name string) (*Document, error) {
	var (
		f   *excelize.File
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		f, err = excelize.OpenReader(r)
	case ".csv":
		f, err = fromCSV(r)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, &LoadError{Name: name, Err: err}
	}

	doc, err := newDocument(f, name)
	if err != nil {
		_ = f.Close()
		return nil, &LoadError{Name: name, Err: err}
	}
	return doc, nil
}

func newDocument(f *excelize.File, name string) (*Document, error) {
	sheetName := f.GetSheetName(f.GetActiveSheetIndex())
	if sheetName == "" {
		sheetName = f.GetSheetName(0)
	}
	if sheetName == "" {
		return nil, ErrEmptyWorkbook
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEmptyWorkbook
	}

	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for i, row := range rows {
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			rows[i] = padded
		}
	}

	return &Document{
		name:  name,
		file:  f,
		sheet: sheetName,
		rows:  rows,
		width: width,
		fills: make(map[string]int),
	}, nil
}

func fromCSV(r io.Reader) (*excelize.File, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyWorkbook
	}
	if len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}

	f := excelize.NewFile()
	sheetName := f.GetSheetName(0)
	for i, record := range records {
		values := make([]interface{}, len(record))
		for j, v := range record {
			values[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Name returns the name the document was loaded under.
func (d *Document) Name() string { return d.name }

// SheetName returns the name of the sheet being processed.
func (d *Document) SheetName() string { return d.sheet }

// Len returns the number of rows including the header.
func (d *Document) Len() int { return len(d.rows) }

// Width returns the number of cells in every row.
func (d *Document) Width() int { return d.width }

// Header returns the first row.
func (d *Document) Header() []string { return d.rows[0] }

// Cell returns the value at the 0-based row and column.
func (d *Document) Cell(row, col int) string {
	if row < 0 || row >= len(d.rows) || col < 0 || col >= d.width {
		return ""
	}
	return d.rows[row][col]
}

// FillRow sets a solid background of color (hex RGB, with or without '#') on
// every cell of the 0-based row. Fonts, borders and number formats are kept.
func (d *Document) FillRow(row int, color string) error {
	if row < 0 || row >= len(d.rows) {
		return fmt.Errorf("row %d out of range", row)
	}
	color = "#" + strings.TrimPrefix(strings.ToUpper(color), "#")
	for col := 1; col <= d.width; col++ {
		cell, err := excelize.CoordinatesToCellName(col, row+1)
		if err != nil {
			return err
		}
		current, err := d.file.GetCellStyle(d.sheet, cell)
		if err != nil {
			return err
		}
		styleID, err := d.filledStyle(current, color)
		if err != nil {
			return err
		}
		if err := d.file.SetCellStyle(d.sheet, cell, cell, styleID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) filledStyle(base int, color string) (int, error) {
	key := fmt.Sprintf("%d/%s", base, color)
	if id, ok := d.fills[key]; ok {
		return id, nil
	}
	style, err := d.file.GetStyle(base)
	if err != nil {
		return 0, err
	}
	filled := *style
	filled.Fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}}
	id, err := d.file.NewStyle(&filled)
	if err != nil {
		return 0, err
	}
	d.fills[key] = id
	return id, nil
}

// FillColor returns the solid fill color of a cell as upper-case hex without
// '#', or "" when the cell has no pattern fill.
func (d *Document) FillColor(row, col int) (string, error) {
	cell, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return "", err
	}
	id, err := d.file.GetCellStyle(d.sheet, cell)
	if err != nil {
		return "", err
	}
	style, err := d.file.GetStyle(id)
	if err != nil {
		return "", err
	}
	if style.Fill.Type != "pattern" || style.Fill.Pattern != 1 || len(style.Fill.Color) == 0 {
		return "", nil
	}
	color := strings.ToUpper(strings.TrimPrefix(style.Fill.Color[0], "#"))
	if len(color) == 8 {
		color = color[2:]
	}
	return color, nil
}

// WriteTo serializes the workbook as xlsx.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := d.file.WriteTo(w)
	if err != nil {
		return n, &SaveError{Name: d.name, Err: err}
	}
	return n, nil
}

// Bytes serializes the workbook into memory.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveAs writes the workbook to path, creating parent directories.
func (d *Document) SaveAs(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &SaveError{Name: path, Err: err}
	}
	if err := d.file.SaveAs(path); err != nil {
		return &SaveError{Name: path, Err: err}
	}
	return nil
}

// Close releases the underlying workbook.
func (d *Document) Close() error {
	return d.file.Close()
}

// OutputName derives the annotated file name from the input name.
func OutputName(input, suffix string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "workbook"
	}
	return stem + suffix + ".xlsx"
}
