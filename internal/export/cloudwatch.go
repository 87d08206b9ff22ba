package export

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/etl"
)

const DefaultNamespace = "PosterFlow"

// MetricPutter is the subset of the CloudWatch client the publisher uses.
type MetricPutter interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

func NewCloudWatchClient(ctx context.Context, region string) (*cloudwatch.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return cloudwatch.NewFromConfig(cfg), nil
}

// RunPublisher sends per-entity counters of every finished run to
// CloudWatch. Publishing failures are logged and never fail the run.
type RunPublisher struct {
	client    MetricPutter
	namespace string
	logger    *logrus.Logger
}

func NewRunPublisher(client MetricPutter, namespace string, logger *logrus.Logger) *RunPublisher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RunPublisher{client: client, namespace: namespace, logger: logger}
}

func (p *RunPublisher) ObserveRun(ctx context.Context, run *etl.Run) {
	data := runDatums(run)
	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		p.logger.WithError(err).WithField("run_id", run.ID).Warn("failed to publish CloudWatch metrics")
		return
	}
	p.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"metrics": len(data),
	}).Debug("published run metrics")
}

func runDatums(run *etl.Run) []cwtypes.MetricDatum {
	ts := aws.Time(run.FinishedAt)
	datum := func(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  ts,
			Unit:       unit,
			Value:      aws.Float64(value),
		}
	}

	failed := 0.0
	if !run.OK() {
		failed = 1
	}
	data := []cwtypes.MetricDatum{
		datum("RunDuration", run.FinishedAt.Sub(run.StartedAt).Seconds(), cwtypes.StandardUnitSeconds),
		datum("RunFailed", failed, cwtypes.StandardUnitCount),
	}
	for _, o := range run.Outcomes {
		dim := cwtypes.Dimension{Name: aws.String("Entity"), Value: aws.String(o.Entity)}
		data = append(data,
			datum("RecordsFetched", float64(o.Fetched), cwtypes.StandardUnitCount, dim),
			datum("RecordsWritten", float64(o.Written), cwtypes.StandardUnitCount, dim),
		)
		if o.Items > 0 {
			data = append(data, datum("ItemsWritten", float64(o.ItemsWritten), cwtypes.StandardUnitCount, dim))
		}
	}
	return data
}
