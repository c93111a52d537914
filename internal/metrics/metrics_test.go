package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/eggwatch/internal/analyzer"
)

var now = time.Date(2024, 3, 5, 6, 7, 8, 0, time.UTC)

func names(records []MetricRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Name
	}
	return out
}

func TestBuildRecords_Unoccupied(t *testing.T) {
	records := BuildRecords(analyzer.NestingBoxState{
		BoxID:             2,
		EggCountBlob:      3,
		EggCountModel:     2,
		UnknownEggObjects: map[string]int{"cup": 2},
	}, now)

	assert.Equal(t, []string{ChickenCount, EggCountBlob, EggCountModel, UnknownObjects}, names(records))
	assert.Equal(t, 3.0, records[1].Value)
	assert.Equal(t, 2.0, records[2].Value)
	assert.Equal(t, 2.0, records[3].Value)
	for _, r := range records {
		assert.Equal(t, "2", r.Dimensions[DimensionBox])
		assert.Equal(t, now, r.Time)
	}
}

func TestBuildRecords_OccupiedSuppressesEggs(t *testing.T) {
	records := BuildRecords(analyzer.NestingBoxState{
		BoxID:                 1,
		ChickenCount:          1,
		EggCountBlob:          5,
		EggCountModel:         4,
		UnknownChickenObjects: map[string]int{"person": 1},
	}, now)

	assert.Equal(t, []string{ChickenCount, UnknownObjects}, names(records))
	assert.Equal(t, 1.0, records[0].Value)
	assert.Equal(t, 1.0, records[1].Value)
}

func TestBuildRunRecords(t *testing.T) {
	report := &analyzer.RunReport{States: []analyzer.NestingBoxState{
		{BoxID: 1, ChickenCount: 2},
		{BoxID: 2},
	}}
	assert.Len(t, BuildRunRecords(report, now), 2+4)
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	var got int
	ok := SinkFunc(func(ctx context.Context, r []MetricRecord) error { got += len(r); return nil })
	bad := SinkFunc(func(ctx context.Context, r []MetricRecord) error { return errors.New("broker down") })

	err := MultiSink{bad, ok, bad}.Write(context.Background(), make([]MetricRecord, 3))
	require.Error(t, err)
	assert.Equal(t, 3, got, "later sinks still receive records")
	assert.Equal(t, 2, strings.Count(err.Error(), "broker down"))
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, BuildRecords(analyzer.NestingBoxState{BoxID: 1, EggCountBlob: 3, EggCountModel: 2}, now)))
	require.NoError(t, sink.Write(ctx, BuildRecords(analyzer.NestingBoxState{BoxID: 1, ChickenCount: 1, EggCountBlob: 0}, now)))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.gauges[ChickenCount].WithLabelValues("1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.gauges[EggCountBlob].WithLabelValues("1")), "suppressed count keeps the last value")
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.gauges[EggCountModel].WithLabelValues("1")))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(sink.lastRun))

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `eggwatch_egg_count_blob{nesting_box="1"} 3`)
}

func TestPrometheusSink_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	assert.Error(t, err)
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	token    *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	if p.token != nil {
		return p.token
	}
	return &fakeToken{}
}

func TestMQTTSink_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, MQTTConfig{Topic: "farm/coop/"})

	records := BuildRecords(analyzer.NestingBoxState{BoxID: 1, ChickenCount: 1}, now)
	require.NoError(t, sink.Write(context.Background(), records))

	assert.Equal(t, []string{"farm/coop/chicken_count", "farm/coop/unknown_objects"}, pub.topics)

	var p mqttPayload
	require.NoError(t, json.Unmarshal(pub.payloads[0], &p))
	assert.Equal(t, ChickenCount, p.Name)
	assert.Equal(t, 1.0, p.Value)
	assert.Equal(t, "1", p.Dimensions[DimensionBox])
	assert.NotEmpty(t, p.ID)
}

func TestMQTTSink_Failures(t *testing.T) {
	records := BuildRecords(analyzer.NestingBoxState{BoxID: 1}, now)

	sink := NewMQTTSink(&fakePublisher{token: &fakeToken{err: errors.New("not authorized")}}, MQTTConfig{})
	err := sink.Write(context.Background(), records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eggwatch/egg_count_blob")

	sink = NewMQTTSink(&fakePublisher{token: &fakeToken{timeout: true}}, MQTTConfig{})
	assert.ErrorContains(t, sink.Write(context.Background(), records), "timeout")
}

func TestDialMQTT_RequiresBroker(t *testing.T) {
	_, _, err := DialMQTT(MQTTConfig{})
	assert.Error(t, err)
}
