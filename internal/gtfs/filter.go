// Package gtfs trims a transit feed archive down to the services active
// on a target date, keeping only the trips, stop times and stops
// reachable from those services.
package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/otpprep/internal/common/logger"
)

// GTFS calendar tables carry dates as yyyymmdd.
const dateFormat = "20060102"

// MalformedFeedError names the feed, table and row of unparseable input
// data. It aborts the run.
type MalformedFeedError struct {
	Feed  string
	Table string
	Row   int
	Err   error
}

func (e *MalformedFeedError) Error() string {
	return fmt.Sprintf("feed %s: %s row %d: %v", e.Feed, e.Table, e.Row, e.Err)
}

func (e *MalformedFeedError) Unwrap() error { return e.Err }

// Summary reports what the filter kept. EmptyService flags a feed with
// zero active services on the target date, which is legal for some
// regional feeds and reported as a warning rather than an error.
type Summary struct {
	ActiveServices int
	Trips          int
	Stops          int
	EmptyService   bool
}

// Filter rewrites feed archives restricted to a target date.
type Filter struct {
	logger logger.Logger
}

// NewFilter creates a date filter.
func NewFilter(log logger.Logger) *Filter {
	return &Filter{logger: log}
}

// Run filters the archive at feedPath to services active on date and
// writes the trimmed archive to outPath. Output goes to a temp file and
// is renamed into place only on success.
func (f *Filter) Run(feedPath string, date time.Time, outPath string) (Summary, error) {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	zr, err := zip.OpenReader(feedPath)
	if err != nil {
		return Summary{}, fmt.Errorf("opening feed %s: %w", feedPath, err)
	}
	defer zr.Close()

	feed := filepath.Base(feedPath)
	sel, err := f.analyze(&zr.Reader, feed, date)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		ActiveServices: len(sel.services),
		Trips:          len(sel.trips),
		Stops:          len(sel.stops),
	}
	if sum.ActiveServices == 0 {
		sum.EmptyService = true
		f.logger.Warn("No active services on target date",
			"feed", feed,
			"date", date.Format("2006-01-02"))
	}

	if err := f.write(&zr.Reader, sel, outPath); err != nil {
		return Summary{}, fmt.Errorf("writing filtered feed %s: %w", feed, err)
	}

	f.logger.Info("Filtered feed written",
		"feed", feed,
		"date", date.Format("2006-01-02"),
		"services", sum.ActiveServices,
		"trips", sum.Trips,
		"stops", sum.Stops)
	return sum, nil
}

// selection is the reachability closure over typed identifiers: active
// services, their trips and the stops those trips visit (including
// parent stations, transitively).
type selection struct {
	services map[string]bool
	trips    map[string]bool
	stops    map[string]bool
}

func (f *Filter) analyze(zr *zip.Reader, feed string, date time.Time) (*selection, error) {
	sel := &selection{
		services: make(map[string]bool),
		trips:    make(map[string]bool),
		stops:    make(map[string]bool),
	}

	target := date.Format(dateFormat)
	day := weekdayColumns[date.Weekday()]

	// A service is base-active when the date falls inside its validity
	// range and its weekday column is set. A missing calendar.txt means
	// zero base rows: some feeds only use calendar_dates.
	if cal := fileByName(zr, "calendar.txt"); cal != nil {
		err := forEachRow(cal, func(row int, rec record) error {
			start, err := time.Parse(dateFormat, rec.get("start_date"))
			if err != nil {
				return &MalformedFeedError{Feed: feed, Table: "calendar.txt", Row: row,
					Err: fmt.Errorf("bad start_date: %w", err)}
			}
			end, err := time.Parse(dateFormat, rec.get("end_date"))
			if err != nil {
				return &MalformedFeedError{Feed: feed, Table: "calendar.txt", Row: row,
					Err: fmt.Errorf("bad end_date: %w", err)}
			}
			if end.Before(start) {
				return &MalformedFeedError{Feed: feed, Table: "calendar.txt", Row: row,
					Err: fmt.Errorf("end_date %s before start_date %s", rec.get("end_date"), rec.get("start_date"))}
			}
			if date.Before(start) || date.After(end) {
				return nil
			}
			if rec.get(day) == "1" {
				sel.services[rec.get("service_id")] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Exceptions win over the base calendar: added services join even if
	// absent from calendar.txt, removed services drop even if base-active.
	if cd := fileByName(zr, "calendar_dates.txt"); cd != nil {
		err := forEachRow(cd, func(row int, rec record) error {
			ds := rec.get("date")
			if _, err := time.Parse(dateFormat, ds); err != nil {
				return &MalformedFeedError{Feed: feed, Table: "calendar_dates.txt", Row: row,
					Err: fmt.Errorf("bad date: %w", err)}
			}
			if ds != target {
				return nil
			}
			switch rec.get("exception_type") {
			case "1":
				sel.services[rec.get("service_id")] = true
			case "2":
				delete(sel.services, rec.get("service_id"))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if trips := fileByName(zr, "trips.txt"); trips != nil {
		err := forEachRow(trips, func(row int, rec record) error {
			if sel.services[rec.get("service_id")] {
				sel.trips[rec.get("trip_id")] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if st := fileByName(zr, "stop_times.txt"); st != nil {
		err := forEachRow(st, func(row int, rec record) error {
			if sel.trips[rec.get("trip_id")] {
				sel.stops[rec.get("stop_id")] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if stops := fileByName(zr, "stops.txt"); stops != nil {
		parents := make(map[string]string)
		err := forEachRow(stops, func(row int, rec record) error {
			if p := rec.get("parent_station"); p != "" {
				parents[rec.get("stop_id")] = p
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		// Walk each kept stop's parent chain; the set check also stops
		// walks on cyclic parent references.
		for id := range sel.stops {
			for p := parents[id]; p != "" && !sel.stops[p]; p = parents[p] {
				sel.stops[p] = true
			}
		}
	}

	return sel, nil
}

// keepFunc decides whether a table row survives filtering. A nil func
// means the whole file passes through untouched.
type keepFunc func(rec record) bool

func (sel *selection) keeper(name string) keepFunc {
	switch name {
	case "calendar.txt", "calendar_dates.txt", "trips.txt":
		return func(rec record) bool { return sel.services[rec.get("service_id")] }
	case "stop_times.txt", "frequencies.txt":
		return func(rec record) bool { return sel.trips[rec.get("trip_id")] }
	case "stops.txt":
		return func(rec record) bool { return sel.stops[rec.get("stop_id")] }
	case "transfers.txt", "pathways.txt":
		return func(rec record) bool {
			for _, col := range [...]string{"from_stop_id", "to_stop_id"} {
				if id := rec.get(col); id != "" && !sel.stops[id] {
					return false
				}
			}
			return true
		}
	}
	return nil
}

func (f *Filter) write(zr *zip.Reader, sel *selection, outPath string) error {
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(outDir, ".filter_*.zip")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)
	// Input archive order is preserved, as is row order within each
	// table, so identical inputs produce byte-identical output.
	for _, file := range zr.File {
		w, err := zw.Create(file.Name)
		if err != nil {
			return fmt.Errorf("creating archive entry %s: %w", file.Name, err)
		}
		if keep := sel.keeper(file.Name); keep != nil {
			err = copyFiltered(file, w, keep)
		} else {
			err = copyRaw(file, w)
		}
		if err != nil {
			return fmt.Errorf("copying %s: %w", file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("moving filtered feed into place: %w", err)
	}
	return nil
}

func copyFiltered(file *zip.File, w io.Writer, keep keepFunc) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := newCSVReader(rc)
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	out := csv.NewWriter(w)
	if err := out.Write(header); err != nil {
		return err
	}
	hm := headerIndex(header)
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if keep(record{header: hm, fields: fields}) {
			if err := out.Write(fields); err != nil {
				return err
			}
		}
	}
	out.Flush()
	return out.Error()
}

func copyRaw(file *zip.File, w io.Writer) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}
