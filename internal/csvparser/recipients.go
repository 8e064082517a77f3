package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"FollowUp/internal/models"
	"FollowUp/internal/timeutil"
)

const DefaultMaxRows = 1000

// ApplicationRow is one application read from an import CSV. Zero values in
// the optional columns mean "use the configured default".
type ApplicationRow struct {
	Line         int
	Email        string
	Company      string
	Position     string
	Subject      string
	Cadence      models.CadenceType
	IntervalDays int
	MaxAttempts  int
	Timezone     string
	SentAt       *int64
}

// RowError reports a row whose values could not be parsed.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

var required = []string{"email", "company", "position"}

// ParseApplicationRows parses a CSV from an io.Reader. The header row must
// contain Email, Company and Position columns (case-insensitive). Optional
// columns: Subject, Cadence, IntervalDays, MaxAttempts, Timezone, SentAt.
//
// Rows with the wrong column count or an empty email are skipped. Rows with
// unparseable values are returned as RowErrors. maxRows limits how many data
// rows are read (excluding header). A SentAt without an offset is read in
// the row's Timezone, or defaultTZ when that column is blank.
func ParseApplicationRows(r io.Reader, maxRows int, defaultTZ string) ([]ApplicationRow, []RowError, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, nil, err
	}
	if len(headers) == 0 {
		return nil, nil, errors.New("csv header row is empty")
	}

	idx := make(map[string]int, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("csv must contain a %s column", col)
		}
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]ApplicationRow, 0)
	var rowErrs []RowError
	read := 0
	for read < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		read++

		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		email := get("email")
		if email == "" {
			continue
		}

		line, _ := reader.FieldPos(0)
		row := ApplicationRow{
			Line:     line,
			Email:    email,
			Company:  get("company"),
			Position: get("position"),
			Subject:  get("subject"),
			Cadence:  models.CadenceType(get("cadence")),
			Timezone: get("timezone"),
		}

		if err := parseOptional(&row, get, defaultTZ); err != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: err.Error()})
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 && len(rowErrs) == 0 {
		return nil, nil, errors.New("csv must contain at least one data row")
	}

	return rows, rowErrs, nil
}

func parseOptional(row *ApplicationRow, get func(string) string, defaultTZ string) error {
	if v := get("intervaldays"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IntervalDays %q is not a number", v)
		}
		row.IntervalDays = n
	}
	if v := get("maxattempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MaxAttempts %q is not a number", v)
		}
		row.MaxAttempts = n
	}
	if v := get("sentat"); v != "" {
		tz := row.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		ms, err := timeutil.ToEpochMillisIn(v, tz)
		if err != nil {
			return err
		}
		row.SentAt = &ms
	}
	if row.Cadence != "" && !row.Cadence.Valid() {
		return fmt.Errorf("unknown Cadence %q", row.Cadence)
	}
	return nil
}
