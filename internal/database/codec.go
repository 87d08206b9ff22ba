package database

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// EncodeCell renders v as sink text. Maps and slices become JSON so they
// survive a round trip through DecodeCell.
func EncodeCell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

// DecodeCell reverses EncodeCell. Cells that look like JSON arrays or
// objects are parsed, with numbers kept as json.Number; a nested cell that
// fails to parse becomes an empty list. Other cells stay text.
func DecodeCell(cell string) interface{} {
	s := strings.TrimSpace(cell)
	if s == "" || (s[0] != '[' && s[0] != '{') {
		return cell
	}

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return []interface{}{}
	}
	return v
}

// TableFrom builds a rectangular table from records. Columns named in lead
// come first when any record has them, the rest follow sorted.
func TableFrom[M ~map[string]interface{}](records []M, lead ...string) models.Table {
	present := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			present[k] = struct{}{}
		}
	}

	var cols []string
	for _, c := range lead {
		if _, ok := present[c]; ok {
			cols = append(cols, c)
			delete(present, c)
		}
	}
	rest := make([]string, 0, len(present))
	for k := range present {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	cols = append(cols, rest...)

	t := models.Table{Columns: cols, Rows: make([][]string, 0, len(records))}
	for _, rec := range records {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = EncodeCell(rec[c])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// RecordsFromTable decodes every cell of t. Empty cells are left out of the
// record.
func RecordsFromTable(t models.Table) []models.Record {
	out := make([]models.Record, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(models.Record, len(t.Columns))
		for i, c := range t.Columns {
			if i >= len(row) || row[i] == "" {
				continue
			}
			rec[c] = DecodeCell(row[i])
		}
		out = append(out, rec)
	}
	return out
}
