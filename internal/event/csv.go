package event

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"event_name", "timestamp", "parameters"}

// ReadCSV reads event rows from a CSV file with an
// event_name,timestamp,parameters header. Columns may appear in any order.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, col := range csvHeader {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(col string) string {
			if i := idx[col]; i < len(rec) {
				return rec[i]
			}
			return ""
		}
		ts, err := strconv.ParseInt(field("timestamp"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: timestamp: %w", line, err)
		}
		rows = append(rows, Row{EventName: field("event_name"), Timestamp: ts, Parameters: field("parameters")})
	}
}

// WriteCSV writes rows with a header.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.EventName, strconv.FormatInt(r.Timestamp, 10), r.Parameters}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
