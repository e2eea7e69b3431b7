package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// weekdayColumns maps time.Weekday (Sunday = 0) to calendar.txt columns.
var weekdayColumns = [7]string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

// record gives column-name access to a CSV row via the table's header
// index, the same header-map pattern used throughout GTFS tooling.
type record struct {
	header map[string]int
	fields []string
}

func (r record) get(col string) string {
	if i, ok := r.header[col]; ok && i < len(r.fields) {
		return strings.TrimSpace(r.fields[i])
	}
	return ""
}

func fileByName(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func newCSVReader(rc io.Reader) *csv.Reader {
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1 // variable number of fields
	r.TrimLeadingSpace = true
	return r
}

func headerIndex(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		m[h] = i
	}
	return m
}

// forEachRow streams a table's data rows. Row numbers are 1-based file
// line numbers, so the first data row is row 2.
func forEachRow(file *zip.File, fn func(row int, rec record) error) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", file.Name, err)
	}
	defer rc.Close()

	r := newCSVReader(rc)
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s header: %w", file.Name, err)
	}
	hm := headerIndex(header)

	row := 1
	for {
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", file.Name, err)
		}
		row++
		if err := fn(row, record{header: hm, fields: fields}); err != nil {
			return err
		}
	}
}
