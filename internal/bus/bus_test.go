package bus_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/bus/localbus"
	"bedside-monitor/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reading struct {
	DeviceID string  `json:"deviceId"`
	Value    float64 `json:"value"`
}

var readingType = bus.TopicType[reading, string]{
	Name:  "Reading",
	KeyOf: func(r reading) string { return r.DeviceID },
	Keys:  bus.StringKeys,
}

type counter struct {
	ID    int32 `json:"id"`
	Count int   `json:"count"`
}

var counterType = bus.TopicType[counter, int32]{
	Name:  "Counter",
	KeyOf: func(c counter) int32 { return c.ID },
	Keys:  bus.Int32Keys,
}

func newCommunicator(t *testing.T, hub *localbus.Hub, sources ...string) *bus.Communicator {
	t.Helper()
	comm, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		DomainID:       5,
		QoSLibrary:     "ice_library",
		ProfileSources: sources,
		Multicast:      true,
		Dial:           hub.Dialer(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { comm.Close() })
	return comm
}

func newReader[T any, K comparable](t *testing.T, comm *bus.Communicator, tt bus.TopicType[T, K], topic, profile string) *bus.Reader[T, K] {
	t.Helper()
	sub, err := comm.CreateSubscriber()
	require.NoError(t, err)
	r, err := bus.NewReader(context.Background(), sub, tt, topic, profile)
	require.NoError(t, err)
	return r
}

func newWriter[T any, K comparable](t *testing.T, comm *bus.Communicator, tt bus.TopicType[T, K], topic, profile string) *bus.Writer[T, K] {
	t.Helper()
	pub, err := comm.CreatePublisher()
	require.NoError(t, err)
	w, err := bus.NewWriter(pub, tt, topic, profile)
	require.NoError(t, err)
	return w
}

func TestNewCommunicator_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := bus.NewCommunicator(ctx, bus.CommunicatorConfig{QoSLibrary: "ice_library"}, zap.NewNop())
	assert.True(t, bus.IsInitializationError(err))

	_, err = bus.NewCommunicator(ctx, bus.CommunicatorConfig{
		QoSLibrary: "no_such_library",
		Dial:       localbus.NewHub().Dialer(),
	}, zap.NewNop())
	assert.True(t, bus.IsInitializationError(err))
	assert.ErrorIs(t, err, bus.ErrUnknownProfile)

	dialErr := errors.New("connection refused")
	_, err = bus.NewCommunicator(ctx, bus.CommunicatorConfig{
		QoSLibrary: "ice_library",
		Dial: func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
			return nil, dialErr
		},
	}, zap.NewNop())
	assert.True(t, bus.IsInitializationError(err))
	assert.ErrorIs(t, err, dialErr)
}

func TestNewCommunicator_ParticipantProfile(t *testing.T) {
	var got bus.Participant
	dial := func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
		got = p
		return localbus.NewHub().Transport(p.DomainID), nil
	}

	comm, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		DomainID:   9,
		QoSLibrary: "ice_library",
		Multicast:  false,
		Dial:       dial,
	}, zap.NewNop())
	require.NoError(t, err)
	defer comm.Close()

	assert.Equal(t, 9, got.DomainID)
	assert.Equal(t, bus.ProfileParticipantNoMulticast, got.Profile.Name)
	assert.NotEmpty(t, got.GUID)
	assert.Equal(t, got.GUID, comm.Participant().GUID)
}

func TestCommunicator_TopicIsIdempotent(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())

	a, err := comm.Topic("Numeric", "Reading")
	require.NoError(t, err)
	b, err := comm.Topic("Numeric", "Reading")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = comm.Topic("Numeric", "Counter")
	assert.True(t, bus.IsInitializationError(err))
	assert.ErrorIs(t, err, bus.ErrTopicTypeMismatch)

	// a reader and a writer share the topic
	newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	newWriter(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	_, err = comm.CreatePublisher()
	require.NoError(t, err)
}

func TestCommunicator_FactoriesIssueDistinctGUIDs(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())

	p1, err := comm.CreatePublisher()
	require.NoError(t, err)
	p2, err := comm.CreatePublisher()
	require.NoError(t, err)
	s1, err := comm.CreateSubscriber()
	require.NoError(t, err)

	assert.NotEmpty(t, p1.GUID)
	assert.NotEqual(t, p1.GUID, p2.GUID)
	assert.NotEqual(t, p1.GUID, s1.GUID)
}

func TestCommunicator_ClosedRejectsFactories(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	require.NoError(t, comm.Close())

	_, err := comm.CreatePublisher()
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = comm.CreateSubscriber()
	assert.ErrorIs(t, err, bus.ErrClosed)
	_, err = comm.Topic("Numeric", "Reading")
	assert.True(t, bus.IsInitializationError(err))
}

func TestReader_DrainsAllQueuedSamples(t *testing.T) {
	hub := localbus.NewHub()
	comm := newCommunicator(t, hub)
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	w := newWriter(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	ctx := context.Background()
	const n = 600 // more than one take batch
	for i := 0; i < n; i++ {
		require.NoError(t, w.Publish(ctx, reading{DeviceID: deviceName(i), Value: float64(i)}))
	}

	updated, deleted, err := r.WaitForUpdates(ctx, time.Second)
	require.NoError(t, err)
	assert.Len(t, updated, n)
	assert.Empty(t, deleted)
	// receive order is preserved within a call
	assert.Equal(t, deviceName(0), updated[0].DeviceID)
	assert.Equal(t, deviceName(n-1), updated[n-1].DeviceID)

	updated, deleted, err = r.Take()
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Empty(t, deleted)
}

func deviceName(i int) string {
	return fmt.Sprintf("dev-%03d", i)
}

func TestReader_LaterSampleSupersedesQueuedOne(t *testing.T) {
	hub := localbus.NewHub()
	comm := newCommunicator(t, hub)
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	w := newWriter(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	ctx := context.Background()
	require.NoError(t, w.Publish(ctx, reading{DeviceID: "D1", Value: 1}))
	require.NoError(t, w.Publish(ctx, reading{DeviceID: "D2", Value: 2}))
	require.NoError(t, w.Publish(ctx, reading{DeviceID: "D1", Value: 3}))

	updated, _, err := r.Take()
	require.NoError(t, err)
	assert.Equal(t, []reading{{"D2", 2}, {"D1", 3}}, updated)
}

func TestReader_HistoryDepthKeepsMultipleSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
libraries:
  ice_library:
    deep:
      history_depth: 2
`), 0o644))

	comm := newCommunicator(t, localbus.NewHub(), path)
	r := newReader(t, comm, readingType, "Numeric", "deep")
	w := newWriter(t, comm, readingType, "Numeric", "deep")

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Publish(ctx, reading{DeviceID: "D1", Value: float64(i)}))
	}

	updated, _, err := r.Take()
	require.NoError(t, err)
	assert.Equal(t, []reading{{"D1", 2}, {"D1", 3}}, updated)
}

func TestReader_MaxSamplesDropsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
libraries:
  ice_library:
    tiny:
      max_samples: 2
`), 0o644))

	comm := newCommunicator(t, localbus.NewHub(), path)
	r := newReader(t, comm, readingType, "Numeric", "tiny")
	w := newWriter(t, comm, readingType, "Numeric", "tiny")

	lost := metrics.SamplesLost.WithLabelValues("Numeric")
	before := testutil.ToFloat64(lost)

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, w.Publish(ctx, reading{DeviceID: id}))
	}

	updated, _, err := r.Take()
	require.NoError(t, err)
	assert.Equal(t, []reading{{"B", 0}, {"C", 0}}, updated)
	assert.Equal(t, uint64(1), r.SamplesLost())
	assert.Equal(t, before+1, testutil.ToFloat64(lost))
}

func TestReader_LookupByKeyAndDeletion(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	r := newReader(t, comm, counterType, "Counter", bus.ProfilePatientDevices)
	w := newWriter(t, comm, counterType, "Counter", bus.ProfilePatientDevices)

	ctx := context.Background()
	_, ok := r.LookupByKey(7)
	assert.False(t, ok)

	require.NoError(t, w.Publish(ctx, counter{ID: 7, Count: 1}))
	require.NoError(t, w.Publish(ctx, counter{ID: 7, Count: 2}))

	got, ok := r.LookupByKey(7)
	require.True(t, ok)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, 1, r.Instances())

	require.NoError(t, w.Retract(ctx, 7))
	_, ok = r.LookupByKey(7)
	assert.False(t, ok)

	updated, deleted, err := r.Take()
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Equal(t, []int32{7}, deleted)
}

func TestReader_LateJoinerReplay(t *testing.T) {
	hub := localbus.NewHub()
	publisherSide := newCommunicator(t, hub)
	w := newWriter(t, publisherSide, counterType, "Counter", bus.ProfilePatientDevices)

	ctx := context.Background()
	require.NoError(t, w.Publish(ctx, counter{ID: 1, Count: 10}))
	require.NoError(t, w.Publish(ctx, counter{ID: 2, Count: 20}))
	require.NoError(t, w.Retract(ctx, 2))

	subscriberSide := newCommunicator(t, hub)
	durable := newReader(t, subscriberSide, counterType, "Counter", bus.ProfilePatientDevices)
	volatile := newReader(t, subscriberSide, counterType, "Counter", bus.ProfileStreaming)

	got, ok := durable.LookupByKey(1)
	require.True(t, ok)
	assert.Equal(t, 10, got.Count)
	_, ok = durable.LookupByKey(2)
	assert.False(t, ok)

	_, ok = volatile.LookupByKey(1)
	assert.False(t, ok)
}

func TestReader_TimeoutReturnsEmpty(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	start := time.Now()
	updated, deleted, err := r.WaitForUpdates(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Empty(t, deleted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReader_WakesOnPublish(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	w := newWriter(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Publish(context.Background(), reading{DeviceID: "D1", Value: 99})
	}()

	start := time.Now()
	updated, _, err := r.WaitForUpdates(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []reading{{"D1", 99}}, updated)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReader_RequestShutdownWakesBlockedWait(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	var wg sync.WaitGroup
	wg.Add(1)
	var elapsed time.Duration
	go func() {
		defer wg.Done()
		start := time.Now()
		updated, deleted, err := r.WaitForUpdates(context.Background(), 30*time.Second)
		elapsed = time.Since(start)
		assert.NoError(t, err)
		assert.Empty(t, updated)
		assert.Empty(t, deleted)
	}()

	time.Sleep(20 * time.Millisecond)
	r.RequestShutdown()
	r.RequestShutdown()
	wg.Wait()
	assert.Less(t, elapsed, 2*time.Second)

	// subsequent calls return immediately
	start := time.Now()
	_, _, err := r.WaitForUpdates(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReader_TransportErrorIsReadError(t *testing.T) {
	hub := localbus.NewHub()
	comm := newCommunicator(t, hub)
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	boom := errors.New("connection reset")
	hub.Fail(5, "Numeric", boom)

	_, _, err := r.WaitForUpdates(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, bus.IsReadError(err))
	assert.ErrorIs(t, err, boom)

	// the error is reported once
	_, _, err = r.Take()
	assert.NoError(t, err)
}

func TestReader_UndecodablePayloadIsDropped(t *testing.T) {
	hub := localbus.NewHub()
	comm := newCommunicator(t, hub)
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)

	lost := metrics.SamplesLost.WithLabelValues("Numeric")
	before := testutil.ToFloat64(lost)

	raw := hub.Transport(5)
	require.NoError(t, raw.Publish(context.Background(), r.Topic(), "D1", []byte("{not json")))

	updated, _, err := r.Take()
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Equal(t, uint64(1), r.SamplesLost())
	assert.Equal(t, before+1, testutil.ToFloat64(lost))
}

func TestReader_ClosedReaderRejectsTake(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	r := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err := r.Take()
	assert.True(t, bus.IsReadError(err))
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestReader_DataAvailableOnExternalWaitGroup(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	numeric := newReader(t, comm, readingType, "Numeric", bus.ProfileStreaming)
	counters := newReader(t, comm, counterType, "Counter", bus.ProfileStreaming)
	w := newWriter(t, comm, counterType, "Counter", bus.ProfileStreaming)

	ws := bus.NewWaitGroup()
	ws.Attach(numeric.DataAvailable())
	ws.Attach(counters.DataAvailable())

	require.NoError(t, w.Publish(context.Background(), counter{ID: 1}))

	active, err := ws.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []bus.ConditionID{counters.DataAvailable().ID()}, active)
}

func TestWriter_RetractUnknownInstance(t *testing.T) {
	comm := newCommunicator(t, localbus.NewHub())
	w := newWriter(t, comm, counterType, "Counter", bus.ProfileAlarm)

	err := w.Retract(context.Background(), 42)
	assert.True(t, bus.IsPublishError(err))
	assert.ErrorIs(t, err, bus.ErrInstanceNotRegistered)
}

func TestWriter_ResourceLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
libraries:
  ice_library:
    limited:
      max_instances: 1
`), 0o644))

	comm := newCommunicator(t, localbus.NewHub(), path)
	w := newWriter(t, comm, counterType, "Counter", "limited")
	ctx := context.Background()

	require.NoError(t, w.Publish(ctx, counter{ID: 1}))
	// updating a registered instance is fine
	require.NoError(t, w.Publish(ctx, counter{ID: 1, Count: 2}))

	err := w.Publish(ctx, counter{ID: 2})
	assert.True(t, bus.IsPublishError(err))
	assert.ErrorIs(t, err, bus.ErrResourceLimits)

	// retracting reclaims the slot
	require.NoError(t, w.Retract(ctx, 1))
	require.NoError(t, w.Publish(ctx, counter{ID: 2}))
	assert.Equal(t, 1, w.Instances())
}

type failingTransport struct {
	*localbus.Transport
	err error
}

func (f *failingTransport) Publish(ctx context.Context, topic bus.TopicDescriptor, key string, payload []byte) error {
	return f.err
}

func TestWriter_TransportRejection(t *testing.T) {
	rejected := errors.New("queue full")
	comm, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		QoSLibrary: "ice_library",
		Multicast:  true,
		Dial: func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
			return &failingTransport{Transport: localbus.NewHub().Transport(p.DomainID), err: rejected}, nil
		},
	}, zap.NewNop())
	require.NoError(t, err)
	defer comm.Close()

	w := newWriter(t, comm, counterType, "Alarm", bus.ProfileAlarm)
	err = w.Publish(context.Background(), counter{ID: 3})
	assert.True(t, bus.IsPublishError(err))
	assert.ErrorIs(t, err, rejected)
	assert.False(t, w.IsRegistered(3))
}

func TestWriter_CloseUnregistersInstances(t *testing.T) {
	hub := localbus.NewHub()
	comm := newCommunicator(t, hub)
	other := newCommunicator(t, hub)
	r := newReader(t, other, counterType, "Alarm", bus.ProfileAlarm)
	w := newWriter(t, comm, counterType, "Alarm", bus.ProfileAlarm)

	ctx := context.Background()
	require.NoError(t, w.Publish(ctx, counter{ID: 1}))
	require.NoError(t, w.Publish(ctx, counter{ID: 2}))
	_, _, err := r.Take()
	require.NoError(t, err)

	require.NoError(t, w.Close())
	_, deleted, err := r.Take()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{1, 2}, deleted)

	err = w.Publish(ctx, counter{ID: 1})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestCommunicator_CloseUnregistersWriters(t *testing.T) {
	hub := localbus.NewHub()
	comm, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		DomainID: 5, QoSLibrary: "ice_library", Multicast: true, Dial: hub.Dialer(),
	}, zap.NewNop())
	require.NoError(t, err)

	w := newWriter(t, comm, counterType, "Alarm", bus.ProfileAlarm)
	require.NoError(t, w.Publish(context.Background(), counter{ID: 1}))
	require.NoError(t, comm.Close())

	late := newCommunicator(t, hub)
	r := newReader(t, late, counterType, "Alarm", bus.ProfileAlarm)
	assert.Equal(t, 0, r.Instances())
}

func TestDomainsAreIsolated(t *testing.T) {
	hub := localbus.NewHub()
	a := newCommunicator(t, hub)
	b, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		DomainID: 6, QoSLibrary: "ice_library", Multicast: true, Dial: hub.Dialer(),
	}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	r := newReader(t, b, readingType, "Numeric", bus.ProfileStreaming)
	w := newWriter(t, a, readingType, "Numeric", bus.ProfileStreaming)
	require.NoError(t, w.Publish(context.Background(), reading{DeviceID: "D1"}))

	updated, _, err := r.Take()
	require.NoError(t, err)
	assert.Empty(t, updated)
}

// tombstoneReplayTransport 订阅时先回放历史 tombstone，类似 Kafka 从最早位点读取或 KV watch 的初始值
type tombstoneReplayTransport struct {
	*localbus.Transport
	keys []string
}

func (f *tombstoneReplayTransport) Subscribe(ctx context.Context, topic bus.TopicDescriptor, h bus.SampleHandler) (bus.Subscription, error) {
	for _, k := range f.keys {
		h.OnSample(bus.RawSample{Key: k, Alive: false, SourceTimestamp: time.Now()})
	}
	return f.Transport.Subscribe(ctx, topic, h)
}

func TestReader_IgnoresUnregisterOfUnseenInstance(t *testing.T) {
	hub := localbus.NewHub()
	comm, err := bus.NewCommunicator(context.Background(), bus.CommunicatorConfig{
		DomainID:   5,
		QoSLibrary: "ice_library",
		Multicast:  true,
		Dial: func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
			return &tombstoneReplayTransport{Transport: hub.Transport(p.DomainID), keys: []string{"7"}}, nil
		},
	}, zap.NewNop())
	require.NoError(t, err)
	defer comm.Close()

	r := newReader(t, comm, counterType, "Alarm", bus.ProfileAlarm)
	updated, deleted, err := r.WaitForUpdates(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Empty(t, deleted)
	assert.Equal(t, 0, r.Instances())

	// 见过存活的实例之后，注销照常报告
	w := newWriter(t, newCommunicator(t, hub), counterType, "Alarm", bus.ProfileAlarm)
	ctx := context.Background()
	require.NoError(t, w.Publish(ctx, counter{ID: 7, Count: 1}))
	updated, _, err = r.Take()
	require.NoError(t, err)
	assert.Equal(t, []counter{{ID: 7, Count: 1}}, updated)

	require.NoError(t, w.Retract(ctx, 7))
	updated, deleted, err = r.Take()
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Equal(t, []int32{7}, deleted)
	assert.Equal(t, 0, r.Instances())
}
