package gtfs

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otpprep/internal/common/logger"
)

func writeFeed(t *testing.T, tables map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Creating feed zip: %v", err)
	}
	zw := zip.NewWriter(f)
	// Stable order so repeated fixture builds are identical.
	for _, name := range []string{
		"agency.txt", "routes.txt", "calendar.txt", "calendar_dates.txt",
		"trips.txt", "stop_times.txt", "stops.txt", "transfers.txt", "frequencies.txt",
	} {
		content, ok := tables[name]
		if !ok {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Creating entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("Writing entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Closing feed zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Closing feed file: %v", err)
	}
	return path
}

func readTable(t *testing.T, archive, name string) [][]string {
	t.Helper()
	zr, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("Opening output archive: %v", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Opening %s: %v", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("Reading %s: %v", name, err)
		}
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			t.Fatalf("Parsing %s: %v", name, err)
		}
		return rows
	}
	return nil
}

func column(rows [][]string, name string) []string {
	if len(rows) == 0 {
		return nil
	}
	idx := -1
	for i, h := range rows[0] {
		if h == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	var vals []string
	for _, row := range rows[1:] {
		vals = append(vals, row[idx])
	}
	return vals
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// Weekday feed: service WD runs Mon-Fri through 2024, no exceptions.
func weekdayFeed(t *testing.T) string {
	return writeFeed(t, map[string]string{
		"agency.txt":   "agency_id,agency_name,agency_url,agency_timezone\nA1,Example,https://example.com,Europe/London\n",
		"routes.txt":   "route_id,agency_id,route_short_name,route_type\nR1,A1,1,3\n",
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\nWD,1,1,1,1,1,0,0,20240101,20241231\n",
		"trips.txt":    "route_id,service_id,trip_id\nR1,WD,T1\nR1,WD,T2\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"T1,08:00:00,08:00:00,S1,1\nT1,08:10:00,08:10:00,S2,2\nT2,09:00:00,09:00:00,S2,1\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon,parent_station\n" +
			"S1,First,51.5,-0.1,P1\nS2,Second,51.6,-0.2,\nS3,Unused,51.7,-0.3,\nP1,Parent Station,51.5,-0.1,\n",
	})
}

func TestFilterMondayKeepsWeekdayService(t *testing.T) {
	feed := weekdayFeed(t)
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	// 2024-03-04 is a Monday.
	sum, err := f.Run(feed, date(t, "2024-03-04"), out)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sum.EmptyService {
		t.Error("Expected active services on a Monday")
	}
	if sum.ActiveServices != 1 {
		t.Errorf("Expected 1 active service, got %d", sum.ActiveServices)
	}

	if got := column(readTable(t, out, "trips.txt"), "trip_id"); len(got) != 2 {
		t.Errorf("Expected both weekday trips kept, got %v", got)
	}
	if got := column(readTable(t, out, "calendar.txt"), "service_id"); len(got) != 1 || got[0] != "WD" {
		t.Errorf("Expected calendar to keep WD, got %v", got)
	}
}

func TestFilterSaturdayEmptyService(t *testing.T) {
	feed := weekdayFeed(t)
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	// 2024-03-09 is a Saturday.
	sum, err := f.Run(feed, date(t, "2024-03-09"), out)
	if err != nil {
		t.Fatalf("Expected empty-service feed to succeed, got %v", err)
	}
	if !sum.EmptyService {
		t.Error("Expected EmptyService warning flag")
	}

	// Output is a valid feed with service tables emptied but headers kept.
	trips := readTable(t, out, "trips.txt")
	if len(trips) != 1 {
		t.Errorf("Expected only the trips header, got %d rows", len(trips))
	}
	if got := column(readTable(t, out, "agency.txt"), "agency_id"); len(got) != 1 {
		t.Errorf("Expected agency table passed through, got %v", got)
	}
}

func TestFilterReferentialClosure(t *testing.T) {
	feed := weekdayFeed(t)
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	if _, err := f.Run(feed, date(t, "2024-03-04"), out); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	keptTrips := make(map[string]bool)
	for _, id := range column(readTable(t, out, "trips.txt"), "trip_id") {
		keptTrips[id] = true
	}
	for _, id := range column(readTable(t, out, "stop_times.txt"), "trip_id") {
		if !keptTrips[id] {
			t.Errorf("Orphan stop_time for trip %s", id)
		}
	}

	stops := column(readTable(t, out, "stops.txt"), "stop_id")
	keptStops := make(map[string]bool)
	for _, id := range stops {
		keptStops[id] = true
	}
	for _, id := range column(readTable(t, out, "stop_times.txt"), "stop_id") {
		if !keptStops[id] {
			t.Errorf("stop_time references dropped stop %s", id)
		}
	}
	if keptStops["S3"] {
		t.Error("Unreferenced stop S3 should be dropped")
	}
	if !keptStops["P1"] {
		t.Error("Parent station P1 should be kept via the parent chain")
	}
}

func TestFilterExceptionPrecedence(t *testing.T) {
	feed := writeFeed(t, map[string]string{
		"calendar.txt": "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\n" +
			"WD,1,1,1,1,1,0,0,20240101,20241231\n" +
			"SAT,0,0,0,0,0,1,0,20240101,20241231\n",
		"calendar_dates.txt": "service_id,date,exception_type\n" +
			"WD,20240304,2\n" + // removed despite base-active Monday
			"SAT,20240304,1\n" + // added despite base-inactive Monday
			"XTRA,20240304,1\n", // pure-exception service
		"trips.txt": "route_id,service_id,trip_id\nR1,WD,T1\nR1,SAT,T2\nR1,XTRA,T3\n",
	})
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	sum, err := f.Run(feed, date(t, "2024-03-04"), out)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sum.ActiveServices != 2 {
		t.Errorf("Expected SAT and XTRA active, got %d services", sum.ActiveServices)
	}

	got := column(readTable(t, out, "trips.txt"), "trip_id")
	want := map[string]bool{"T2": true, "T3": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Errorf("Expected trips T2 and T3, got %v", got)
	}

	if svc := column(readTable(t, out, "calendar_dates.txt"), "service_id"); len(svc) != 2 {
		t.Errorf("Expected calendar_dates trimmed to active services, got %v", svc)
	}
}

func TestFilterMissingCalendarTables(t *testing.T) {
	// calendar_dates only: pure-exception services are legal.
	feed := writeFeed(t, map[string]string{
		"calendar_dates.txt": "service_id,date,exception_type\nHOL,20240304,1\n",
		"trips.txt":          "route_id,service_id,trip_id\nR1,HOL,T1\n",
	})
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	sum, err := f.Run(feed, date(t, "2024-03-04"), out)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if sum.ActiveServices != 1 || sum.Trips != 1 {
		t.Errorf("Expected HOL/T1 kept, got %+v", sum)
	}

	// calendar only, no calendar_dates: missing table means zero exceptions.
	feed = weekdayFeed(t)
	if _, err := f.Run(feed, date(t, "2024-03-04"), out); err != nil {
		t.Fatalf("Run without calendar_dates returned error: %v", err)
	}
}

func TestFilterIdempotent(t *testing.T) {
	feed := weekdayFeed(t)
	f := NewFilter(logger.Discard())
	dir := t.TempDir()

	out1 := filepath.Join(dir, "a.zip")
	out2 := filepath.Join(dir, "b.zip")
	if _, err := f.Run(feed, date(t, "2024-03-04"), out1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Run(feed, date(t, "2024-03-04"), out2); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(out1)
	b, _ := os.ReadFile(out2)
	if !bytes.Equal(a, b) {
		t.Error("Expected byte-identical output for identical input and date")
	}
}

func TestFilterMalformedCalendar(t *testing.T) {
	cases := []struct {
		name     string
		calendar string
		table    string
		row      int
	}{
		{
			"unparseable_date",
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\nWD,1,1,1,1,1,0,0,notadate,20241231\n",
			"calendar.txt", 2,
		},
		{
			"end_before_start",
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\nWD,1,1,1,1,1,0,0,20241231,20240101\n",
			"calendar.txt", 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			feed := writeFeed(t, map[string]string{"calendar.txt": tc.calendar})
			out := filepath.Join(t.TempDir(), "filtered.zip")
			f := NewFilter(logger.Discard())

			_, err := f.Run(feed, date(t, "2024-03-04"), out)
			var malformed *MalformedFeedError
			if !errors.As(err, &malformed) {
				t.Fatalf("Expected MalformedFeedError, got %v", err)
			}
			if malformed.Feed != "feed.zip" || malformed.Table != tc.table || malformed.Row != tc.row {
				t.Errorf("Error should name feed, table and row: %+v", malformed)
			}
			if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
				t.Error("Expected no output for a malformed feed")
			}
		})
	}
}

func TestFilterPassThroughTables(t *testing.T) {
	feed := weekdayFeed(t)
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	if _, err := f.Run(feed, date(t, "2024-03-04"), out); err != nil {
		t.Fatal(err)
	}

	routes := readTable(t, out, "routes.txt")
	if len(routes) != 2 || routes[1][0] != "R1" {
		t.Errorf("Expected routes table passed through unchanged, got %v", routes)
	}
	// Column order preserved.
	if routes[0][0] != "route_id" || routes[0][3] != "route_type" {
		t.Errorf("Expected original column order, got header %v", routes[0])
	}
}

func TestFilterTransfersFollowStops(t *testing.T) {
	feed := writeFeed(t, map[string]string{
		"calendar.txt":   "service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date\nWD,1,1,1,1,1,0,0,20240101,20241231\n",
		"trips.txt":      "route_id,service_id,trip_id\nR1,WD,T1\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\nT1,08:00:00,08:00:00,S1,1\nT1,08:10:00,08:10:00,S2,2\n",
		"stops.txt":      "stop_id,stop_name\nS1,First\nS2,Second\nS9,Elsewhere\n",
		"transfers.txt":  "from_stop_id,to_stop_id,transfer_type\nS1,S2,0\nS1,S9,0\n",
	})
	out := filepath.Join(t.TempDir(), "filtered.zip")
	f := NewFilter(logger.Discard())

	if _, err := f.Run(feed, date(t, "2024-03-04"), out); err != nil {
		t.Fatal(err)
	}

	transfers := readTable(t, out, "transfers.txt")
	if len(transfers) != 2 {
		t.Fatalf("Expected one surviving transfer row, got %v", transfers)
	}
	if transfers[1][1] != "S2" {
		t.Errorf("Expected transfer S1->S2 kept, got %v", transfers[1])
	}
}
