// Package export archives the flattened line items of a sync run to S3 as
// snappy-compressed parquet.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tejusbharadwaj/posterflow/internal/aggregate"
	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/flatten"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

var ErrNothingToArchive = errors.New("no rows to archive")

// itemRecord is the parquet schema of one sold line item.
type itemRecord struct {
	RunID         string  `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ItemID        string  `parquet:"name=item_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TransactionID string  `parquet:"name=transaction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DateClose     int64   `parquet:"name=date_close, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	SpotID        string  `parquet:"name=spot_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductID     string  `parquet:"name=product_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProductName   string  `parquet:"name=product_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity      float64 `parquet:"name=quantity, type=DOUBLE"`
	PayedSum      float64 `parquet:"name=payed_sum, type=DOUBLE"`
	TotalSum      float64 `parquet:"name=total_sum, type=DOUBLE"`
	UnitPrice     float64 `parquet:"name=unit_price, type=DOUBLE"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Putter is the part of the S3 client the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the archive bucket. Static keys are optional; without
// them the default AWS credential chain applies.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client for cfg, honouring a custom endpoint for
// S3-compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Archiver uploads run items. It satisfies etl.Archiver.
type Archiver struct {
	putter Putter
	bucket string
	prefix string
	loc    *time.Location
	logger *logrus.Logger
	now    func() time.Time
}

func NewArchiver(putter Putter, cfg S3Config, loc *time.Location, logger *logrus.Logger) *Archiver {
	if loc == nil {
		loc = time.UTC
	}
	return &Archiver{
		putter: putter,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// ArchiveItems writes rows as one parquet object partitioned by the first
// day of window and returns its s3:// URI.
func (a *Archiver) ArchiveItems(ctx context.Context, runID string, window api.Window, rows []models.FlatRow) (string, error) {
	if len(rows) == 0 {
		return "", ErrNothingToArchive
	}
	if a.bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}

	data, err := a.encode(runID, rows)
	if err != nil {
		return "", fmt.Errorf("create parquet: %w", err)
	}

	key := a.key(runID, window)
	_, err = a.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger.WithFields(logrus.Fields{
		"s3_key":  key,
		"records": len(rows),
		"bytes":   len(data),
	}).Info("Items archive uploaded")
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *Archiver) key(runID string, window api.Window) string {
	day := window.From
	if day.IsZero() {
		day = a.now().In(a.loc)
	}
	return path.Join(a.prefix, "transaction_items", "date="+day.Format("2006-01-02"), "items_"+runID+".parquet")
}

func (a *Archiver) encode(runID string, rows []models.FlatRow) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(itemRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(a.record(runID, row)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (a *Archiver) record(runID string, row models.FlatRow) itemRecord {
	rec := itemRecord{
		RunID:         runID,
		ItemID:        database.EncodeCell(row["item_id"]),
		TransactionID: database.EncodeCell(row["transaction_id"]),
		SpotID:        database.EncodeCell(row["spot_id"]),
		ProductID:     database.EncodeCell(row["product_id"]),
		ProductName:   database.EncodeCell(firstOf(row, "product_name", "name")),
	}
	if ts, ok := aggregate.ParseTimestamp(row["date_close"], a.loc); ok {
		rec.DateClose = ts.UnixMilli()
	}
	rec.Quantity, _ = flatten.Number(row[flatten.FieldQuantity])
	rec.PayedSum, _ = flatten.Number(row["payed_sum"])
	rec.TotalSum, _ = flatten.Number(row[flatten.FieldTotal])
	rec.UnitPrice, _ = flatten.Number(row[flatten.FieldUnitPrice])
	return rec
}

func firstOf(row models.FlatRow, fields ...string) interface{} {
	for _, f := range fields {
		if v, ok := row[f]; ok && v != nil {
			return v
		}
	}
	return nil
}
