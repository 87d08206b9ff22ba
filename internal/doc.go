// Package posterflow syncs Poster POS data into a storage sink and serves
// analytics on top of it.
//
// # Architecture
//
// The service is structured into several key packages:
//   - normalizer: Decodes Poster's inconsistent response envelopes into records
//   - api: Poster HTTP client and the paginated fetcher
//   - flatten: Explodes nested line items into rows, converts money and quantities
//   - aggregate: Hourly and daily revenue, top products, KPIs
//   - database: PostgreSQL, SQLite, MySQL and Excel sinks
//   - etl: Sequential multi-entity sync producing a run handle
//   - report: Dashboard reports from a run or from the sink
//   - export: Parquet archives of line items on S3
//   - scheduler: Cron-driven periodic syncs
//   - grpc: AnalyticsService (Sync, Report) with middleware
//   - dashboard: JSON dashboard API and Prometheus metrics
//
// Key Features
//
//   - Extraction:
//     Offset/limit pagination stops on the first short or empty page.
//     A failed page ends the walk with the records gathered so far and an
//     explicit fetch status instead of an error.
//
//   - Storage:
//     Reference entities are replaced on every complete fetch; transactions,
//     supplies and their line items are appended with de-duplication by id.
//
//   - Reporting:
//     Money arrives in minor units and is reported in major units.
//
// Example Usage
//
//	client := server.NewAnalyticsClient(conn)
//	req, _ := structpb.NewStruct(map[string]interface{}{
//	    "from":  "2024-03-01",
//	    "to":    "2024-03-05",
//	    "top_n": 10,
//	})
//	resp, err := client.Report(ctx, req)
//
// For more information about specific packages, see their respective
// documentation.
package posterflow
