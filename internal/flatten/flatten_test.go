package flatten

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/posterflow/internal/models"
	"github.com/tejusbharadwaj/posterflow/internal/normalizer"
)

var supplySpec = Spec{
	NestedField:    "ingredients",
	CarryFields:    []string{"supply_id", "date", "supplier_id"},
	MoneyFields:    []string{"supply_ingredient_sum"},
	QuantityFields: []string{"supply_ingredient_num"},
	TotalFields:    []string{"supply_ingredient_sum"},
	RowIDField:     "item_id",
	ParentIDField:  "supply_id",
}

func decode(t *testing.T, raw string) []models.Record {
	t.Helper()
	recs, err := normalizer.Normalize([]byte(raw))
	require.NoError(t, err)
	return recs
}

func TestFlatten_PreservesCount(t *testing.T) {
	records := decode(t, `[
		{"supply_id":"1","date":"2024-01-02","supplier_id":"9","ingredients":[
			{"ingredient_id":"11","supply_ingredient_num":"2","supply_ingredient_sum":"1000"},
			{"ingredient_id":"12","supply_ingredient_num":"4","supply_ingredient_sum":"12550"}
		]},
		{"supply_id":"2","date":"2024-01-03","supplier_id":"9","ingredients":[
			{"ingredient_id":"13","supply_ingredient_num":"1","supply_ingredient_sum":"300"}
		]},
		{"supply_id":"3","ingredients":[]}
	]`)

	rows := Flatten(records, supplySpec)
	require.Len(t, rows, 3)

	ids := []string{}
	for _, r := range rows {
		ids = append(ids, r["ingredient_id"].(string))
	}
	assert.Equal(t, []string{"11", "12", "13"}, ids)

	second := rows[1]
	assert.Equal(t, "1", second["supply_id"])
	assert.Equal(t, "2024-01-02", second["date"])
	assert.Equal(t, "9", second["supplier_id"])
	assert.Equal(t, 125.50, second["supply_ingredient_sum"])
	assert.Equal(t, 125.50, second[FieldTotal])
	assert.Equal(t, 4.0, second[FieldQuantity])
	assert.Equal(t, 31.38, second[FieldUnitPrice])
	assert.Equal(t, "1-1", second["item_id"])
	assert.Equal(t, 1, second[FieldRowIndex])
	assert.Equal(t, "2-0", rows[2]["item_id"])
}

func TestFlatten_SkipsSentinelParents(t *testing.T) {
	records := decode(t, `[
		{"supply_id":"1","ingredients":false},
		{"supply_id":"2","ingredients":0},
		{"supply_id":"3","ingredients":null},
		{"supply_id":"4"},
		{"supply_id":"5","ingredients":"[]"},
		{"supply_id":"6","ingredients":{"a":1}},
		{"supply_id":"7","ingredients":[1, "x", {"ingredient_id":"70"}]}
	]`)

	var rows []models.FlatRow
	assert.NotPanics(t, func() { rows = Flatten(records, supplySpec) })
	require.Len(t, rows, 1)
	assert.Equal(t, "70", rows[0]["ingredient_id"])
	assert.Equal(t, "7-0", rows[0]["item_id"])
}

func TestFlatten_ConversionFailuresDefaultToZero(t *testing.T) {
	records := decode(t, `[{"supply_id":"1","ingredients":[
		{"ingredient_id":"1","supply_ingredient_num":"abc","supply_ingredient_sum":"n/a"},
		{"ingredient_id":"2"}
	]}]`)

	rows := Flatten(records, supplySpec)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, 0.0, r["supply_ingredient_sum"])
		assert.Equal(t, 0.0, r[FieldQuantity])
		assert.Equal(t, 0.0, r[FieldUnitPrice])
	}
}

func TestFlatten_CarryFieldsWinOverChild(t *testing.T) {
	records := []models.Record{{
		"transaction_id": "5",
		"products":       []interface{}{map[string]interface{}{"transaction_id": "bogus", "product_id": "1"}},
	}}
	rows := Flatten(records, Spec{NestedField: "products", CarryFields: []string{"transaction_id"}})
	require.Len(t, rows, 1)
	assert.Equal(t, "5", rows[0]["transaction_id"])
}

func TestFlatten_ParentsWithoutIDGetDistinctStableItemIDs(t *testing.T) {
	records := decode(t, `[
		{"date":"2024-01-02","ingredients":[{"ingredient_id":"11"},{"ingredient_id":"12"}]},
		{"date":"2024-01-03","ingredients":[{"ingredient_id":"13"}]},
		{"supply_id":"","date":"2024-01-04","ingredients":[{"ingredient_id":"14"}]}
	]`)

	rows := Flatten(records, supplySpec)
	require.Len(t, rows, 4)

	seen := make(map[string]bool)
	for _, r := range rows {
		id := r["item_id"].(string)
		assert.False(t, seen[id], "duplicate item id %s", id)
		assert.NotContains(t, id, "<nil>")
		seen[id] = true
	}
	assert.Equal(t, rows[0]["item_id"].(string)[:36], rows[1]["item_id"].(string)[:36])

	again := Flatten(decode(t, `[{"date":"2024-01-02","ingredients":[{"ingredient_id":"11"},{"ingredient_id":"12"}]}]`), supplySpec)
	assert.Equal(t, rows[0]["item_id"], again[0]["item_id"])
}

func TestFlatten_AcceptsParsedRecords(t *testing.T) {
	records := []models.Record{{
		"transaction_id": "5",
		"products":       normalizer.Records([]byte(`[{"product_id":"1"},{"product_id":"2"}]`)),
	}}
	rows := Flatten(records, Spec{NestedField: "products", CarryFields: []string{"transaction_id"}})
	assert.Len(t, rows, 2)
}

func TestMoney(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
	}{
		{json.Number("12550"), 125.50},
		{"12550", 125.50},
		{12550, 125.50},
		{int64(99), 0.99},
		{12550.0, 125.50},
		{"", 0},
		{"abc", 0},
		{nil, 0},
		{true, 0},
		{[]interface{}{1}, 0},
		{" 1000 ", 10},
		{"-250", -2.5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Money(tt.in), "Money(%#v)", tt.in)
	}
}

func TestNumber(t *testing.T) {
	f, ok := Number("1,5")
	assert.True(t, ok)
	assert.Equal(t, 1.5, f)

	_, ok = Number("NaN")
	assert.False(t, ok)

	f, ok = Number(json.Number("3"))
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
}

func TestNumber_Separators(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"1,5", 1.5, true},
		{"12,75", 12.75, true},
		{"1,234", 1234, true},
		{"12,345,678", 12345678, true},
		{"-1,234", -1234, true},
		{"1,234.5", 1234.5, true},
		{"1.234,5", 1234.5, true},
		{"1.234.567,89", 1234567.89, true},
		{"1234,5", 1234.5, true},
		{"1,23,4", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, ok := Number(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestUnitPrice(t *testing.T) {
	assert.Equal(t, 0.0, UnitPrice(10, 0))
	assert.Equal(t, 0.0, UnitPrice(10, -1))
	assert.Equal(t, 2.5, UnitPrice(10, 4))
}

func TestConvertMoney(t *testing.T) {
	in := []models.Record{{"payed_sum": "5000", "name": "x"}, {"name": "y"}}
	out := ConvertMoney(in, "payed_sum", "sum")

	assert.Equal(t, 50.0, out[0]["payed_sum"])
	assert.NotContains(t, out[1], "payed_sum")
	assert.NotContains(t, out[1], "sum")
	assert.Equal(t, "5000", in[0]["payed_sum"], "input must not be modified")
}
