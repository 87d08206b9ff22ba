package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.input = in
	body, _ := io.ReadAll(in.Body)
	p.body = body
	if p.err != nil {
		return nil, p.err
	}
	return &s3.PutObjectOutput{}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var items = []models.FlatRow{
	{
		"item_id": "1-0", "transaction_id": "1", "date_close": "2024-03-05 12:10:00",
		"product_id": "7", "product_name": "Cheesecake",
		"quantity": 1.0, "payed_sum": 50.0, "total_sum": 50.0, "unit_price": 50.0,
	},
	{
		"item_id": "2-0", "transaction_id": "2", "date_close": "bad",
		"name": "Tea", "quantity": "2", "payed_sum": "30",
	},
}

func TestArchiveItems(t *testing.T) {
	putter := &fakePutter{}
	a := NewArchiver(putter, S3Config{Bucket: "lake", Prefix: "/poster/"}, time.UTC, quietLogger())
	window := api.Window{From: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)}

	uri, err := a.ArchiveItems(context.Background(), "run-1", window, items)
	require.NoError(t, err)

	assert.Equal(t, "s3://lake/poster/transaction_items/date=2024-03-05/items_run-1.parquet", uri)
	require.NotNil(t, putter.input)
	assert.Equal(t, "lake", *putter.input.Bucket)
	assert.Equal(t, "poster/transaction_items/date=2024-03-05/items_run-1.parquet", *putter.input.Key)

	require.Greater(t, len(putter.body), 8)
	assert.True(t, bytes.HasPrefix(putter.body, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(putter.body, []byte("PAR1")))
}

func TestArchiveItems_OpenWindowUsesToday(t *testing.T) {
	putter := &fakePutter{}
	a := NewArchiver(putter, S3Config{Bucket: "lake"}, time.UTC, quietLogger())
	a.now = func() time.Time { return time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC) }

	_, err := a.ArchiveItems(context.Background(), "r", api.Window{}, items[:1])
	require.NoError(t, err)
	assert.Equal(t, "transaction_items/date=2024-07-01/items_r.parquet", *putter.input.Key)
}

func TestArchiveItems_Errors(t *testing.T) {
	a := NewArchiver(&fakePutter{}, S3Config{Bucket: "lake"}, time.UTC, quietLogger())
	_, err := a.ArchiveItems(context.Background(), "r", api.Window{}, nil)
	assert.ErrorIs(t, err, ErrNothingToArchive)

	noBucket := NewArchiver(&fakePutter{}, S3Config{}, time.UTC, quietLogger())
	_, err = noBucket.ArchiveItems(context.Background(), "r", api.Window{}, items)
	assert.Error(t, err)

	denied := errors.New("access denied")
	failing := NewArchiver(&fakePutter{err: denied}, S3Config{Bucket: "lake"}, time.UTC, quietLogger())
	_, err = failing.ArchiveItems(context.Background(), "r", api.Window{}, items)
	assert.ErrorIs(t, err, denied)
}

func TestRecord(t *testing.T) {
	a := NewArchiver(nil, S3Config{}, time.UTC, quietLogger())

	first := a.record("r", items[0])
	assert.Equal(t, "Cheesecake", first.ProductName)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 10, 0, 0, time.UTC).UnixMilli(), first.DateClose)
	assert.Equal(t, 50.0, first.PayedSum)

	second := a.record("r", items[1])
	assert.Equal(t, "Tea", second.ProductName)
	assert.Zero(t, second.DateClose)
	assert.Equal(t, 2.0, second.Quantity)
	assert.Equal(t, 30.0, second.PayedSum)
	assert.Equal(t, "", second.SpotID)
}
