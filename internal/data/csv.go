package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "20060102"}

// ReadFrameCSV reads a frame from CSV. The header must name "date" and "symbol";
// every other column is parsed as a float, with blanks stored as NaN.
func ReadFrameCSV(r io.Reader) (Frame, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("empty csv input")
		}
		return Frame{}, fmt.Errorf("failed to read csv header: %w", err)
	}

	dateIdx, symbolIdx := -1, -1
	var columns []string
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		header[i] = name
		switch name {
		case "date":
			dateIdx = i
		case "symbol":
			symbolIdx = i
		default:
			columns = append(columns, name)
		}
	}
	if dateIdx < 0 || symbolIdx < 0 {
		return Frame{}, fmt.Errorf("csv: %w: date, symbol", ErrMissingColumns)
	}

	frame := Frame{Columns: columns}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		date, err := parseDate(record[dateIdx])
		if err != nil {
			return Frame{}, fmt.Errorf("csv line %d: %w", line, err)
		}
		row := Row{Date: date, Symbol: strings.TrimSpace(record[symbolIdx]), Values: make(map[string]float64, len(columns))}
		for i, field := range record {
			if i == dateIdx || i == symbolIdx {
				continue
			}
			field = strings.TrimSpace(field)
			if field == "" {
				row.Values[header[i]] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Frame{}, fmt.Errorf("csv line %d column %s: %w", line, header[i], err)
			}
			row.Values[header[i]] = v
		}
		frame.Rows = append(frame.Rows, row)
	}

	return frame, nil
}

// ReadFrameFile opens path and reads it with ReadFrameCSV.
func ReadFrameFile(path string) (Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	frame, err := ReadFrameCSV(f)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return normalizeDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
