// Package aggregate computes the dashboard summaries: revenue per hour or
// day, the top products leaderboard and the check KPIs.
//
// Every aggregation degrades to an empty result with a logged warning
// instead of failing.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/flatten"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

const DefaultTopN = 10

// Granularity selects the revenue bucket size.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

// Bucket is the revenue of one hour-of-day ("00".."23") or calendar day
// ("2006-01-02").
type Bucket struct {
	Key     string  `json:"key"`
	Revenue float64 `json:"revenue"`
	Checks  int     `json:"checks"`
}

// ProductStat is one leaderboard line.
type ProductStat struct {
	Name        string  `json:"name"`
	Revenue     float64 `json:"revenue"`
	Count       float64 `json:"count"`
	Occurrences int     `json:"occurrences"`
}

// KPI is the headline summary of a transaction set.
type KPI struct {
	Revenue  float64 `json:"revenue"`
	Checks   int     `json:"checks"`
	AvgCheck float64 `json:"avg_check"`
}

// RevenueOptions configures Revenue. Revenue values are expected in major
// units.
type RevenueOptions struct {
	TimeField     string
	RevenueFields []string
	Granularity   Granularity
}

// ProductOptions lists the candidate fields of a line item. Both "name" and
// "product_name" occur upstream for the product name.
type ProductOptions struct {
	NameFields     []string
	RevenueFields  []string
	QuantityFields []string
}

var (
	DefaultTransactionRevenue = RevenueOptions{
		TimeField:     "date_close",
		RevenueFields: []string{"payed_sum", "sum"},
	}
	DefaultProductOptions = ProductOptions{
		NameFields:     []string{"product_name", "name"},
		RevenueFields:  []string{"payed_sum", flatten.FieldTotal, "product_sum"},
		QuantityFields: []string{flatten.FieldQuantity, "count", "num"},
	}
)

type Aggregator struct {
	loc    *time.Location
	logger *logrus.Logger
}

// New returns an Aggregator bucketing timestamps in loc.
func New(loc *time.Location, logger *logrus.Logger) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{loc: loc, logger: logger}
}

// Location is the zone timestamps are bucketed in.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

func (a *Aggregator) warn(aggregate string, format string, args ...interface{}) {
	a.logger.WithField("aggregate", aggregate).Warnf(format, args...)
}

// HourlyRevenue sums transaction revenue per hour of day of date_close.
func (a *Aggregator) HourlyRevenue(records []models.Record) []Bucket {
	opts := DefaultTransactionRevenue
	opts.Granularity = Hourly
	return a.Revenue(records, opts)
}

// DailyRevenue sums transaction revenue per calendar day of date_close.
func (a *Aggregator) DailyRevenue(records []models.Record) []Bucket {
	opts := DefaultTransactionRevenue
	opts.Granularity = Daily
	return a.Revenue(records, opts)
}

// Revenue buckets records by their timestamp and returns buckets in
// ascending key order. Records with unparseable timestamps are dropped.
func (a *Aggregator) Revenue(records []models.Record, opts RevenueOptions) (buckets []Bucket) {
	buckets = []Bucket{}
	defer func() {
		if r := recover(); r != nil {
			a.warn("revenue", "aggregation failed: %v", r)
			buckets = []Bucket{}
		}
	}()

	if len(records) == 0 {
		return buckets
	}
	if !anyHas(records, opts.TimeField) {
		a.warn("revenue", "no record has field %q", opts.TimeField)
		return buckets
	}

	byKey := make(map[string]*Bucket)
	dropped := 0
	for _, rec := range records {
		ts, ok := ParseTimestamp(rec[opts.TimeField], a.loc)
		if !ok {
			dropped++
			continue
		}

		var key string
		if opts.Granularity == Daily {
			key = ts.Format("2006-01-02")
		} else {
			key = fmt.Sprintf("%02d", ts.Hour())
		}

		b, ok := byKey[key]
		if !ok {
			b = &Bucket{Key: key}
			byKey[key] = b
		}
		rev, _ := flatten.Number(firstPresent(rec, opts.RevenueFields))
		b.Revenue += rev
		b.Checks++
	}

	if dropped > 0 {
		a.warn("revenue", "dropped %d records with unparseable %s", dropped, opts.TimeField)
	}

	for _, b := range byKey {
		b.Revenue = round2(b.Revenue)
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key < buckets[j].Key })
	return buckets
}

// TopProducts groups line items by product name, sums revenue and quantity,
// and returns the n best by revenue. Equal revenues keep first-seen order.
func (a *Aggregator) TopProducts(rows []models.FlatRow, n int) (top []ProductStat) {
	return a.topProducts(rows, n, DefaultProductOptions)
}

// TopProductsFromRecords flattens the nested line items of unflattened
// transactions (minor units) before ranking them.
func (a *Aggregator) TopProductsFromRecords(records []models.Record, nestedField string, n int) []ProductStat {
	rows := flatten.Flatten(records, flatten.Spec{
		NestedField:    nestedField,
		MoneyFields:    []string{"payed_sum", "product_sum"},
		QuantityFields: []string{"count", "num"},
	})
	return a.topProducts(rows, n, DefaultProductOptions)
}

func (a *Aggregator) topProducts(rows []models.FlatRow, n int, opts ProductOptions) (top []ProductStat) {
	top = []ProductStat{}
	defer func() {
		if r := recover(); r != nil {
			a.warn("top_products", "aggregation failed: %v", r)
			top = []ProductStat{}
		}
	}()

	if n <= 0 {
		n = DefaultTopN
	}

	index := make(map[string]int)
	var groups []ProductStat
	for _, row := range rows {
		name := fmt.Sprint(firstPresent(row, opts.NameFields))
		if name == "" || name == "<nil>" {
			continue
		}

		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, ProductStat{Name: name})
		}
		rev, _ := flatten.Number(firstPresent(row, opts.RevenueFields))
		qty, _ := flatten.Number(firstPresent(row, opts.QuantityFields))
		groups[i].Revenue += rev
		groups[i].Count += qty
		groups[i].Occurrences++
	}

	if len(rows) > 0 && len(groups) == 0 {
		a.warn("top_products", "no line item has a product name")
	}

	// Rank on display precision so sums equal in cents tie.
	for i := range groups {
		groups[i].Revenue = round2(groups[i].Revenue)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Revenue > groups[j].Revenue })
	if len(groups) > n {
		groups = groups[:n]
	}
	return append(top, groups...)
}

// KPI summarises records with the Aggregator's warning side channel.
func (a *Aggregator) KPI(records []models.Record, revenueField, idField string) (kpi KPI) {
	defer func() {
		if r := recover(); r != nil {
			a.warn("kpi", "aggregation failed: %v", r)
			kpi = KPI{}
		}
	}()
	if len(records) > 0 && !anyHas(records, idField) {
		a.warn("kpi", "no record has field %q", idField)
	}
	return CalculateKPI(records, revenueField, idField)
}

// CalculateKPI returns total revenue, the number of distinct check ids and
// the average check. The average is 0 when there are no checks.
func CalculateKPI(records []models.Record, revenueField, idField string) KPI {
	var kpi KPI
	seen := make(map[string]struct{})

	for _, rec := range records {
		rev, _ := flatten.Number(rec[revenueField])
		kpi.Revenue += rev

		id, ok := rec[idField]
		if !ok || id == nil {
			continue
		}
		key := fmt.Sprint(id)
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
	}

	kpi.Revenue = round2(kpi.Revenue)
	kpi.Checks = len(seen)
	if kpi.Checks > 0 {
		kpi.AvgCheck = round2(kpi.Revenue / float64(kpi.Checks))
	}
	return kpi
}

func anyHas[M ~map[string]interface{}](records []M, field string) bool {
	for _, rec := range records {
		if _, ok := rec[field]; ok {
			return true
		}
	}
	return false
}

func firstPresent[M ~map[string]interface{}](m M, fields []string) interface{} {
	for _, f := range fields {
		if v, ok := m[f]; ok && v != nil {
			return v
		}
	}
	return nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
