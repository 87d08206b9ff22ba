package aggregate

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

func newTestAggregator() *Aggregator {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(time.UTC, logger)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   interface{}
		ok   bool
	}{
		{"iso with space", "2024-03-05 14:30:00", true},
		{"rfc3339", "2024-03-05T14:30:00Z", true},
		{"iso with T", "2024-03-05T14:30:00", true},
		{"epoch ms number", json.Number("1709649000000"), true},
		{"epoch ms string", "1709649000000", true},
		{"epoch ms int64", int64(1709649000000), true},
		{"epoch seconds", json.Number("1709649000"), true},
		{"garbage", "yesterday", false},
		{"empty", "", false},
		{"zero", json.Number("0"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in, time.UTC)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestParseTimestamp_Location(t *testing.T) {
	kyiv := time.FixedZone("EET", 2*60*60)
	got, ok := ParseTimestamp("2024-03-05 14:30:00", kyiv)
	require.True(t, ok)
	assert.Equal(t, 12, got.UTC().Hour())

	got, ok = ParseTimestamp(json.Number("1709649000000"), kyiv)
	require.True(t, ok)
	assert.Equal(t, 16, got.Hour())
}

func TestHourlyRevenue_MixedTimestampForms(t *testing.T) {
	records := []models.Record{
		{"transaction_id": "1", "date_close": "2024-03-05 14:30:00", "payed_sum": 50.0},
		{"transaction_id": "2", "date_close": json.Number("1709649900000"), "payed_sum": 25.5},
		{"transaction_id": "3", "date_close": "2024-03-05 09:05:00", "payed_sum": 10.0},
		{"transaction_id": "4", "date_close": "not a date", "payed_sum": 99.0},
	}

	got := newTestAggregator().HourlyRevenue(records)

	assert.Equal(t, []Bucket{
		{Key: "09", Revenue: 10, Checks: 1},
		{Key: "14", Revenue: 75.5, Checks: 2},
	}, got)
}

func TestDailyRevenue(t *testing.T) {
	records := []models.Record{
		{"date_close": "2024-03-06 01:00:00", "payed_sum": 1.25},
		{"date_close": "2024-03-05 23:59:59", "payed_sum": 2.0},
		{"date_close": "2024-03-06 12:00:00", "sum": 3.0},
	}

	got := newTestAggregator().DailyRevenue(records)

	require.Len(t, got, 2)
	assert.Equal(t, "2024-03-05", got[0].Key)
	assert.Equal(t, 2.0, got[0].Revenue)
	assert.Equal(t, "2024-03-06", got[1].Key)
	assert.Equal(t, 4.25, got[1].Revenue)
}

func TestRevenue_MissingFieldWarnsAndReturnsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	got := New(time.UTC, logger).HourlyRevenue([]models.Record{{"payed_sum": 1.0}})

	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Contains(t, buf.String(), "date_close")
}

func TestTopProducts_RanksAndTruncates(t *testing.T) {
	rows := []models.FlatRow{
		{"product_name": "Latte", "payed_sum": 40.0, "quantity": 2.0},
		{"name": "Espresso", "payed_sum": 60.0, "quantity": 3.0},
		{"product_name": "Latte", "payed_sum": 30.0, "quantity": 1.0},
		{"product_name": "Croissant", "payed_sum": 5.0, "quantity": 1.0},
	}

	got := newTestAggregator().TopProducts(rows, 2)

	assert.Equal(t, []ProductStat{
		{Name: "Latte", Revenue: 70, Count: 3, Occurrences: 2},
		{Name: "Espresso", Revenue: 60, Count: 3, Occurrences: 1},
	}, got)
}

func TestTopProducts_TiesKeepEncounterOrder(t *testing.T) {
	rows := []models.FlatRow{
		{"product_name": "B", "payed_sum": 10.0},
		{"product_name": "A", "payed_sum": 10.0},
		{"product_name": "C", "payed_sum": 20.0},
		{"product_name": "D", "payed_sum": 10.0},
	}

	got := newTestAggregator().TopProducts(rows, 0)

	names := make([]string, 0, len(got))
	for _, p := range got {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"C", "B", "A", "D"}, names)
}

func TestTopProductsFromRecords_CentTiesKeepEncounterOrder(t *testing.T) {
	item := func(name, minor string) map[string]interface{} {
		return map[string]interface{}{"product_name": name, "payed_sum": json.Number(minor), "count": json.Number("1")}
	}
	records := []models.Record{
		{"transaction_id": "1", "products": []interface{}{item("A", "30")}},
		{"transaction_id": "2", "products": []interface{}{item("B", "10"), item("B", "20")}},
	}

	got := newTestAggregator().TopProductsFromRecords(records, "products", 10)

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Name)
	assert.Equal(t, "B", got[1].Name)
	assert.Equal(t, 0.3, got[0].Revenue)
	assert.Equal(t, 0.3, got[1].Revenue)
}

func TestTopProducts_DefaultN(t *testing.T) {
	var rows []models.FlatRow
	for i := 0; i < 15; i++ {
		rows = append(rows, models.FlatRow{"product_name": string(rune('a' + i)), "payed_sum": float64(i)})
	}
	assert.Len(t, newTestAggregator().TopProducts(rows, 0), DefaultTopN)
}

func TestTopProductsFromRecords(t *testing.T) {
	records := []models.Record{
		{"transaction_id": "1", "products": []interface{}{
			map[string]interface{}{"product_name": "Cake", "payed_sum": json.Number("5000"), "count": json.Number("1")},
		}},
		{"transaction_id": "2", "products": []interface{}{
			map[string]interface{}{"product_name": "Cake", "payed_sum": json.Number("5000"), "count": json.Number("1")},
		}},
	}

	got := newTestAggregator().TopProductsFromRecords(records, "products", 10)

	require.Len(t, got, 1)
	assert.Equal(t, "Cake", got[0].Name)
	assert.Equal(t, 100.0, got[0].Revenue)
	assert.Equal(t, 2.0, got[0].Count)
	assert.Equal(t, 2, got[0].Occurrences)
}

func TestCalculateKPI(t *testing.T) {
	records := []models.Record{
		{"transaction_id": "1", "payed_sum": 10.0},
		{"transaction_id": "2", "payed_sum": 20.0},
		{"transaction_id": "2", "payed_sum": 5.0},
		{"transaction_id": json.Number("3"), "payed_sum": "bad"},
	}

	got := CalculateKPI(records, "payed_sum", "transaction_id")

	assert.Equal(t, KPI{Revenue: 35, Checks: 3, AvgCheck: 11.67}, got)
}

func TestCalculateKPI_ZeroGuard(t *testing.T) {
	got := CalculateKPI(nil, "payed_sum", "transaction_id")
	assert.Equal(t, KPI{}, got)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"revenue":0,"checks":0,"avg_check":0}`, string(raw))

	assert.Equal(t, KPI{}, newTestAggregator().KPI([]models.Record{}, "payed_sum", "transaction_id"))
}
