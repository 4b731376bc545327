package features

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Row is one labeled feature vector ready for export.
type Row struct {
	SessionID string `json:"session_id"`
	CenterID  string `json:"center_id,omitempty"`
	Label     *int   `json:"label,omitempty"`
	Vector    Vector `json:"features"`
}

// Header returns the CSV header. The feature columns follow session_id in
// Names order; label is last when requested.
func Header(withLabel bool) []string {
	h := make([]string, 0, NumFeatures+2)
	h = append(h, "session_id")
	h = append(h, Names[:]...)
	if withLabel {
		h = append(h, "label")
	}
	return h
}

// WriteCSV writes rows with a header. Rows without a label get an empty label
// cell when withLabel is set.
func WriteCSV(w io.Writer, rows []Row, withLabel bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(withLabel)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, 0, NumFeatures+2)
	for _, r := range rows {
		record = record[:0]
		record = append(record, r.SessionID)
		for _, x := range r.Vector.Values() {
			record = append(record, strconv.FormatFloat(x, 'f', -1, 64))
		}
		if withLabel {
			label := ""
			if r.Label != nil {
				label = strconv.Itoa(*r.Label)
			}
			record = append(record, label)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.SessionID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSONLines writes one JSON object per row.
func WriteJSONLines(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode row %s: %w", r.SessionID, err)
		}
	}
	return nil
}
