// Package metrics emits lifecycle counters.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	awsclient "github.com/imrishuroy/go-booking-dispatch/internal/aws"
)

// Counter names.
const (
	BookingCreated    = "BookingCreated"
	PaymentConfirmed  = "PaymentConfirmed"
	BroadcastSent     = "BroadcastSent"
	BroadcastFailed   = "BroadcastFailed"
	WaveEmpty         = "WaveNoCandidates"
	BookingAssigned   = "BookingAssigned"
	AcceptLost        = "AcceptLost"
	BookingUnfilled   = "BookingUnfilled"
	BookingRefunded   = "BookingRefunded"
	RefundFailed      = "RefundFailed"
	ManualReview      = "ManualReview"
	UnexpectedState   = "UnexpectedState"
	BookingCancelled  = "BookingCancelled"
	SideEffectFailure = "SideEffectFailure"
)

// Recorder increments counters. Implementations never fail the caller.
type Recorder interface {
	Incr(ctx context.Context, name string, dims map[string]string)
}

// CloudWatch publishes each increment with PutMetricData.
type CloudWatch struct {
	client    awsclient.CloudWatchAPI
	namespace string
	logger    *zap.Logger
}

func NewCloudWatch(client awsclient.CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, logger: logger}
}

func (c *CloudWatch) Incr(ctx context.Context, name string, dims map[string]string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(1),
		Timestamp:  aws.Time(time.Now()),
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if dims[k] == "" {
			continue
		}
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
	}
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.logger.Warn("put metric failed", zap.String("metric", name), zap.Error(err))
	}
}

// Nop discards counters.
type Nop struct{}

func (Nop) Incr(context.Context, string, map[string]string) {}

// Memory counts in process. Tests use it to assert on outcomes.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemory() *Memory {
	return &Memory{counts: map[string]int{}}
}

func (m *Memory) Incr(_ context.Context, name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}
