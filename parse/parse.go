package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"tidbyt.dev/transit/storage"
)

const (
	FormatNative = "native"
	FormatGTFS   = "gtfs"
)

func init() {
	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

// Parses a network archive of the given format into writer. The
// writer is closed on success.
func Parse(format string, writer storage.NetworkWriter, buf []byte) (*storage.NetworkMetadata, error) {
	switch format {
	case FormatNative, "":
		return ParseNative(writer, buf)
	case FormatGTFS:
		return ParseGTFS(writer, buf)
	}
	return nil, fmt.Errorf("unknown network format '%s'", format)
}

// Opens the named files in a zip archive. Files not present in the
// archive map to nil.
func openZip(buf []byte, names ...string) (map[string]io.ReadCloser, error) {
	file := map[string]io.ReadCloser{}
	for _, name := range names {
		file[name] = nil
	}

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Some exports nest everything in a directory
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if rc, found := file[fName]; !found || rc != nil {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			closeAll(file)
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	return file, nil
}

func closeAll(file map[string]io.ReadCloser) {
	for _, rc := range file {
		if rc != nil {
			rc.Close()
		}
	}
}

// Parses the native CSV bundle: stops.txt, routes.txt,
// schedules.txt and (optionally) conditions.txt.
func ParseNative(writer storage.NetworkWriter, buf []byte) (*storage.NetworkMetadata, error) {
	file, err := openZip(buf, "stops.txt", "routes.txt", "conditions.txt", "schedules.txt")
	if err != nil {
		return nil, err
	}
	defer closeAll(file)

	for _, required := range []string{"stops.txt", "routes.txt", "schedules.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	routes, err := ParseRoutes(writer, file["routes.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	conditions := map[int64]bool{}
	if file["conditions.txt"] != nil {
		conditions, err = ParseConditions(writer, file["conditions.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing conditions.txt: %w", err)
		}
	}

	err = writer.BeginSchedules()
	if err != nil {
		return nil, fmt.Errorf("beginning schedules: %w", err)
	}
	maxTime, err := ParseSchedules(writer, file["schedules.txt"], routes, stops, conditions)
	if err != nil {
		return nil, fmt.Errorf("parsing schedules.txt: %w", err)
	}
	err = writer.EndSchedules()
	if err != nil {
		return nil, fmt.Errorf("ending schedules: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing network writer: %w", err)
	}

	// The bundle carries no timezone; callers fill it in.
	return &storage.NetworkMetadata{
		Format:  FormatNative,
		MaxTime: maxTime,
	}, nil
}
