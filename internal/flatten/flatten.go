// Package flatten explodes records that carry a nested list of child items
// into one row per child.
package flatten

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// Output field names written by Flatten.
const (
	FieldQuantity  = "quantity"
	FieldTotal     = "total_sum"
	FieldUnitPrice = "unit_price"
	FieldRowIndex  = "item_index"
)

// Spec describes how one entity is flattened.
type Spec struct {
	// NestedField holds the list of child items on the parent.
	NestedField string
	// CarryFields are copied from the parent onto each row. They take
	// precedence over child fields of the same name.
	CarryFields []string
	// MoneyFields are child fields in minor units, converted in place.
	MoneyFields []string
	// QuantityFields are candidate child quantity fields; the first present
	// one is written to "quantity".
	QuantityFields []string
	// TotalFields are candidate child total fields (minor units); the first
	// present one is written to "total_sum" and used for "unit_price".
	TotalFields []string
	// RowIDField, when set, receives "<parent id>-<child index>" built from
	// ParentIDField. A parent without that field is keyed by a name-based
	// uuid of its content, so the id is stable across syncs.
	RowIDField    string
	ParentIDField string
}

// Flatten returns one row per nested child across records, in parent order
// and then child order. Parents whose nested field is missing, null, a
// sentinel scalar or an empty list contribute no rows. Conversions never
// fail: unusable values become 0.
func Flatten(records []models.Record, spec Spec) []models.FlatRow {
	rows := make([]models.FlatRow, 0, len(records))

	for _, parent := range records {
		children := nestedItems(parent[spec.NestedField])
		if len(children) == 0 {
			continue
		}

		idx := 0
		for _, c := range children {
			child, ok := asMap(c)
			if !ok {
				continue
			}
			rows = append(rows, buildRow(parent, child, idx, spec))
			idx++
		}
	}

	return rows
}

func buildRow(parent models.Record, child map[string]interface{}, idx int, spec Spec) models.FlatRow {
	row := make(models.FlatRow, len(child)+len(spec.CarryFields)+4)
	for k, v := range child {
		row[k] = v
	}

	for _, f := range spec.MoneyFields {
		row[f] = Money(child[f])
	}

	if len(spec.QuantityFields) > 0 {
		row[FieldQuantity] = Quantity(firstPresent(child, spec.QuantityFields))
	}
	if len(spec.TotalFields) > 0 {
		total := Money(firstPresent(child, spec.TotalFields))
		row[FieldTotal] = total
		qty, _ := row[FieldQuantity].(float64)
		row[FieldUnitPrice] = UnitPrice(total, qty)
	}

	for _, f := range spec.CarryFields {
		if v, ok := parent[f]; ok {
			row[f] = v
		}
	}

	row[FieldRowIndex] = idx
	if spec.RowIDField != "" {
		row[spec.RowIDField] = fmt.Sprintf("%s-%d", parentKey(parent, spec.ParentIDField), idx)
	}
	return row
}

func parentKey(parent models.Record, idField string) string {
	if v, ok := parent[idField]; ok && v != nil {
		if id := fmt.Sprint(v); id != "" {
			return id
		}
	}
	// fmt prints map keys sorted, which makes the content key deterministic.
	content := fmt.Sprint(map[string]interface{}(parent))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(content)).String()
}

func firstPresent(m map[string]interface{}, fields []string) interface{} {
	for _, f := range fields {
		if v, ok := m[f]; ok && v != nil {
			return v
		}
	}
	return nil
}

// nestedItems accepts the list forms a nested field can take: decoded JSON,
// or records parsed back from a sink cell. Anything else is no items.
func nestedItems(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []models.Record:
		items := make([]interface{}, len(t))
		for i, r := range t {
			items[i] = r
		}
		return items
	case []map[string]interface{}:
		items := make([]interface{}, len(t))
		for i, r := range t {
			items[i] = r
		}
		return items
	}
	return nil
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case models.Record:
		return t, true
	case models.FlatRow:
		return t, true
	}
	return nil, false
}

// ConvertMoney returns copies of records with the named minor-unit fields
// converted to major units. Missing fields are left absent.
func ConvertMoney(records []models.Record, fields ...string) []models.Record {
	out := make([]models.Record, len(records))
	for i, rec := range records {
		cp := make(models.Record, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		for _, f := range fields {
			if v, ok := rec[f]; ok {
				cp[f] = Money(v)
			}
		}
		out[i] = cp
	}
	return out
}
