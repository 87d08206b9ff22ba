package models

// Record is one upstream entity (transaction, product, supply...) as decoded
// from the API. Numbers arrive as json.Number.
type Record map[string]interface{}

// FlatRow is a nested child item merged with the identifying fields of its
// parent, with money and quantity fields converted to major units.
type FlatRow map[string]interface{}

// Table is a rectangular, text-only record set as stored by a sink.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Len returns the number of data rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}
