package redisbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu      sync.Mutex
	samples []bus.RawSample
	errs    []error
}

func (r *recorder) OnSample(s bus.RawSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() []bus.RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.RawSample(nil), r.samples...)
}

func setupTransport(t *testing.T, mr *miniredis.Miniredis) *Transport {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := New(client, bus.Participant{GUID: "p-" + t.Name(), DomainID: 5}, Options{Block: 50 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() { tr.Close() })
	return tr
}

var (
	stateTopic = bus.TopicDescriptor{
		Name:    "DevicePatientMapping",
		Profile: bus.Profile{Durability: bus.TransientLocal, MaxSamplesPerTake: 16},
	}
	streamTopic = bus.TopicDescriptor{
		Name:    "Numeric",
		Profile: bus.Profile{Durability: bus.Volatile, MaxSamplesPerTake: 16},
	}
)

func TestTransport_PublishWritesStreamAndState(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := setupTransport(t, mr)
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, stateTopic, "D1", []byte(`{"patientId":1}`)))
	require.NoError(t, tr.Publish(ctx, streamTopic, "D1", []byte(`{"value":1}`)))

	assert.Equal(t, `{"patientId":1}`, mr.HGet("ice:5:DevicePatientMapping:state", "D1"))
	assert.False(t, mr.Exists("ice:5:Numeric:state"))

	entries, err := mr.Stream("ice:5:DevicePatientMapping:stream")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, tr.Unregister(ctx, stateTopic, "D1"))
	assert.Equal(t, "", mr.HGet("ice:5:DevicePatientMapping:state", "D1"))
}

func TestTransport_SubscribeDeliversNewSamples(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := setupTransport(t, mr)
	ctx := context.Background()

	// published before the subscription, not replayed for a volatile topic
	require.NoError(t, tr.Publish(ctx, streamTopic, "OLD", []byte(`{}`)))

	rec := &recorder{}
	_, err := tr.Subscribe(ctx, streamTopic, rec)
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, streamTopic, "D1", []byte(`{"value":105}`)))
	require.NoError(t, tr.Unregister(ctx, streamTopic, "D1"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	samples := rec.snapshot()
	assert.Equal(t, "D1", samples[0].Key)
	assert.True(t, samples[0].Alive)
	assert.JSONEq(t, `{"value":105}`, string(samples[0].Payload))
	assert.False(t, samples[0].SourceTimestamp.IsZero())
	assert.Equal(t, "D1", samples[1].Key)
	assert.False(t, samples[1].Alive)
	assert.Empty(t, samples[1].Payload)
}

func TestTransport_DurableSubscribeReplaysState(t *testing.T) {
	mr := miniredis.RunT(t)
	publisher := setupTransport(t, mr)
	ctx := context.Background()

	require.NoError(t, publisher.Publish(ctx, stateTopic, "D1", []byte(`{"patientId":1}`)))
	require.NoError(t, publisher.Publish(ctx, stateTopic, "D2", []byte(`{"patientId":2}`)))
	require.NoError(t, publisher.Unregister(ctx, stateTopic, "D2"))

	lateJoiner := setupTransport(t, mr)
	rec := &recorder{}
	sub, err := lateJoiner.Subscribe(ctx, stateTopic, rec)
	require.NoError(t, err)

	samples := rec.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, "D1", samples[0].Key)
	assert.True(t, samples[0].Alive)

	require.NoError(t, sub.Cancel())
	require.NoError(t, sub.Cancel())
}

func TestTransport_CloseRejectsSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := setupTransport(t, mr)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Subscribe(context.Background(), streamTopic, &recorder{})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestParseStreamEntry(t *testing.T) {
	e, err := parseStreamEntry(map[string]interface{}{
		fieldKey:       "D1",
		fieldPayload:   `{"v":1}`,
		fieldAlive:     "1",
		fieldTimestamp: "1700000000000",
		fieldSource:    "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "D1", e.Key)
	assert.True(t, e.Alive)
	assert.Equal(t, int64(1700000000000), e.Timestamp.UnixMilli())
	assert.Equal(t, "p1", e.Source)

	_, err = parseStreamEntry(map[string]interface{}{fieldPayload: "x"})
	assert.Error(t, err)
}

// 两个 participant 经 Redis 传输的端到端读写
func TestTransport_EndToEndWithCommunicator(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	dial := func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return New(client, p, Options{Block: 50 * time.Millisecond}, zap.NewNop()), nil
	}
	newComm := func() *bus.Communicator {
		comm, err := bus.NewCommunicator(ctx, bus.CommunicatorConfig{
			DomainID: 5, QoSLibrary: "ice_library", Multicast: true, Dial: dial,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { comm.Close() })
		return comm
	}

	devices := newComm()
	pub, err := devices.CreatePublisher()
	require.NoError(t, err)
	mappings, err := bus.NewWriter(pub, models.PatientDeviceMappingType, models.TopicDevicePatientMapping, bus.ProfilePatientDevices)
	require.NoError(t, err)
	require.NoError(t, mappings.Publish(ctx, models.PatientDeviceMapping{DeviceID: "D1", PatientID: 7}))

	supervisor := newComm()
	sub, err := supervisor.CreateSubscriber()
	require.NoError(t, err)
	patients, err := bus.NewReader(ctx, sub, models.PatientDeviceMappingType, models.TopicDevicePatientMapping, bus.ProfilePatientDevices)
	require.NoError(t, err)

	// late joiner sees the roster immediately
	m, ok := patients.LookupByKey("D1")
	require.True(t, ok)
	assert.Equal(t, int32(7), m.PatientID)
	updated, _, err := patients.Take()
	require.NoError(t, err)
	assert.Len(t, updated, 1)

	require.NoError(t, mappings.Retract(ctx, "D1"))
	_, deleted, err := patients.WaitForUpdates(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, deleted, "D1")
	_, ok = patients.LookupByKey("D1")
	assert.False(t, ok)
}
