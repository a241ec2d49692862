package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
	"github.com/t77yq/telemetry-hub/internal/testutil"
)

func testEnvelope(t *testing.T, n int) *model.Envelope {
	t.Helper()

	env, err := NewEnvelope(model.EventTelemetryUpdated, TelemetryChannel("acme", "d1"), map[string]int{"n": n}, time.Now())
	require.NoError(t, err)
	return env
}

func payloadN(t *testing.T, env *model.Envelope) int {
	t.Helper()

	var body struct {
		N int `json:"n"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	return body.N
}

func testReading(tenantID, deviceID string) *model.TelemetryReading {
	return &model.TelemetryReading{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Metrics:   map[string]model.MetricValue{"temperature": model.Number(21.5)},
	}
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "telemetry:acme:d1", TelemetryChannel("acme", "d1"))
	assert.Equal(t, "alarms:acme:d1", AlarmChannel("acme", "d1"))
	assert.Equal(t, "alarms:acme:fleet", AlarmChannel("acme", ""))

	assert.Equal(t, "fanout.telemetry.acme.d1", channelSubject(model.EventTelemetryUpdated, "acme", "d1"))
	assert.Equal(t, "fanout.alarms.acme.fleet", channelSubject(model.EventAlarmStateChanged, "acme", ""))

	kind, tenantID, deviceID, err := parseSubject("fanout.alarms.acme.d1")
	require.NoError(t, err)
	assert.Equal(t, model.EventAlarmStateChanged, kind)
	assert.Equal(t, "acme", tenantID)
	assert.Equal(t, "d1", deviceID)

	for _, subject := range []string{"fanout.alarms.acme", "acme.devices.d1.telemetry", "fanout.other.acme.d1"} {
		_, _, _, err := parseSubject(subject)
		assert.Error(t, err, subject)
	}
}

func TestSubscriber_DropsOldestWhenFull(t *testing.T) {
	registry := NewRegistry(3, zaptest.NewLogger(t))
	sub, err := registry.Subscribe(testutil.TenantContext(t, "acme"), "d1")
	require.NoError(t, err)
	defer registry.Unsubscribe(sub)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, registry.Deliver("acme", "d1", testEnvelope(t, i)))
	}

	var got []int
	for i := 0; i < 3; i++ {
		got = append(got, payloadN(t, <-sub.C()))
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestRegistry_ScopeIsolation(t *testing.T) {
	registry := NewRegistry(8, zaptest.NewLogger(t))

	acme, err := registry.Subscribe(testutil.TenantContext(t, "acme"), "d1")
	require.NoError(t, err)
	globex, err := registry.Subscribe(testutil.TenantContext(t, "globex"), "d1")
	require.NoError(t, err)
	other, err := registry.Subscribe(testutil.TenantContext(t, "acme"), "d2")
	require.NoError(t, err)
	assert.Equal(t, 3, registry.Count())

	assert.Equal(t, 1, registry.Deliver("acme", "d1", testEnvelope(t, 1)))

	assert.Len(t, acme.C(), 1)
	assert.Empty(t, globex.C())
	assert.Empty(t, other.C())

	_, err = registry.Subscribe(testutil.TenantContext(t, "acme"), "bad device")
	require.ErrorIs(t, err, tenant.ErrInvalidIdentifier)

	_, err = registry.Subscribe(context.Background(), "d1")
	require.ErrorIs(t, err, tenant.ErrUnboundScope)

	registry.Close()
	assert.Equal(t, 0, registry.Count())
	<-acme.Done()
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	registry := NewRegistry(8, zaptest.NewLogger(t))
	sub, err := registry.Subscribe(testutil.TenantContext(t, "acme"), "d1")
	require.NoError(t, err)

	registry.Unsubscribe(sub)
	registry.Unsubscribe(sub)

	assert.Equal(t, 0, registry.Deliver("acme", "d1", testEnvelope(t, 1)))
	assert.Empty(t, sub.C())
	assert.Equal(t, 0, registry.Count())

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscriber not closed")
	}
}

func TestRegistry_ConcurrentPublishAndChurn(t *testing.T) {
	defer goleak.VerifyNone(t)

	registry := NewRegistry(4, zaptest.NewLogger(t))
	ctx := testutil.TenantContext(t, "acme")
	env := testEnvelope(t, 1)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					registry.Deliver("acme", "d1", env)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		sub, err := registry.Subscribe(ctx, "d1")
		require.NoError(t, err)
		registry.Unsubscribe(sub)
	}

	// A subscriber that never reads still does not block publishers
	slow, err := registry.Subscribe(ctx, "d1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	close(stop)
	wg.Wait()

	assert.Len(t, slow.C(), 4)
	assert.Positive(t, slow.Dropped())
	registry.Unsubscribe(slow)
}

func TestPublisher_LocalDelivery(t *testing.T) {
	registry := NewRegistry(8, zaptest.NewLogger(t))
	publisher := NewPublisher(nil, registry, time.Second, zaptest.NewLogger(t))
	ctx := testutil.TenantContext(t, "acme")

	sub, err := registry.Subscribe(ctx, "d1")
	require.NoError(t, err)
	defer registry.Unsubscribe(sub)

	require.NoError(t, publisher.PublishTelemetry(ctx, testReading("acme", "d1")))

	env := <-sub.C()
	assert.Equal(t, model.EventTelemetryUpdated, env.Kind)
	assert.Equal(t, "telemetry:acme:d1", env.Channel)
	assert.False(t, env.ServerTimestamp.IsZero())

	var reading model.TelemetryReading
	require.NoError(t, json.Unmarshal(env.Payload, &reading))
	assert.Equal(t, 21.5, reading.Metrics["temperature"].Num)

	// Events outside the bound tenant are refused
	err = publisher.PublishTelemetry(testutil.TenantContext(t, "globex"), testReading("acme", "d1"))
	require.ErrorIs(t, err, tenant.ErrTenantMismatch)
	assert.Empty(t, sub.C())
}

func TestPublisher_BrokerRelay(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	require.NoError(t, broker.EnsureStreams(js, broker.StreamConfig{Memory: true}, zaptest.NewLogger(t)))

	registry := NewRegistry(8, zaptest.NewLogger(t))
	publisher := NewPublisher(js, registry, time.Second, zaptest.NewLogger(t))

	subs, err := NewRelay(registry, zaptest.NewLogger(t)).Subscribe(nc)
	require.NoError(t, err)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	require.NoError(t, nc.Flush())

	acme := testutil.TenantContext(t, "acme")
	alarmsViewer, err := registry.Subscribe(acme, "d1")
	require.NoError(t, err)
	defer registry.Unsubscribe(alarmsViewer)

	globexViewer, err := registry.Subscribe(testutil.TenantContext(t, "globex"), "d1")
	require.NoError(t, err)
	defer registry.Unsubscribe(globexViewer)

	alarm := &model.Alarm{
		ID:        "a1",
		TenantID:  "acme",
		DeviceID:  "d1",
		Severity:  model.SeverityMajor,
		Status:    model.AlarmStatusActive,
		Version:   1,
		AlarmType: "threshold",
	}
	require.NoError(t, publisher.PublishAlarm(acme, alarm))
	require.NoError(t, publisher.PublishTelemetry(acme, testReading("acme", "d1")))

	var kinds []model.EventKind
	for i := 0; i < 2; i++ {
		select {
		case env := <-alarmsViewer.C():
			kinds = append(kinds, env.Kind)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for relayed envelope")
		}
	}
	assert.ElementsMatch(t, []model.EventKind{model.EventAlarmStateChanged, model.EventTelemetryUpdated}, kinds)
	assert.Empty(t, globexViewer.C())

	// Envelopes are also retained on the fan-out stream
	info, err := js.StreamInfo(broker.FanoutStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	// Republishing the same alarm version is deduplicated by the stream
	require.NoError(t, publisher.PublishAlarm(acme, alarm))
	info, err = js.StreamInfo(broker.FanoutStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestRelay_RejectsMismatchedEnvelope(t *testing.T) {
	_, nc, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	registry := NewRegistry(8, zaptest.NewLogger(t))
	subs, err := NewRelay(registry, zaptest.NewLogger(t)).Subscribe(nc)
	require.NoError(t, err)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	require.NoError(t, nc.Flush())

	viewer, err := registry.Subscribe(testutil.TenantContext(t, "globex"), "d1")
	require.NoError(t, err)
	defer registry.Unsubscribe(viewer)

	// An envelope for acme published on globex's subject is not delivered
	env, err := NewEnvelope(model.EventTelemetryUpdated, TelemetryChannel("acme", "d1"), map[string]int{"n": 1}, time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, nc.Publish("fanout.telemetry.globex.d1", data))

	valid, err := NewEnvelope(model.EventTelemetryUpdated, TelemetryChannel("globex", "d1"), map[string]int{"n": 2}, time.Now())
	require.NoError(t, err)
	data, err = json.Marshal(valid)
	require.NoError(t, err)
	require.NoError(t, nc.Publish("fanout.telemetry.globex.d1", data))
	require.NoError(t, nc.Flush())

	select {
	case got := <-viewer.C():
		assert.Equal(t, 2, payloadN(t, got))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for valid envelope")
	}
}

func TestLiveServer_StreamsDeviceChannels(t *testing.T) {
	registry := NewRegistry(8, zaptest.NewLogger(t))
	live := NewLiveServer(registry, zaptest.NewLogger(t))
	guard := tenant.NewGuard(zaptest.NewLogger(t))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := guard.Bind(r.Context(), "acme", "acme", "viewer")
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		live.Serve(w, r.WithContext(ctx), strings.TrimPrefix(r.URL.Path, "/live/"))
	}))
	defer server.Close()

	url := fmt.Sprintf("ws%s/live/d1", strings.TrimPrefix(server.URL, "http"))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	publisher := NewPublisher(nil, registry, time.Second, zaptest.NewLogger(t))
	require.NoError(t, publisher.PublishTelemetry(testutil.TenantContext(t, "acme"), testReading("acme", "d1")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env model.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EventTelemetryUpdated, env.Kind)
	assert.Equal(t, "telemetry:acme:d1", env.Channel)

	// Closing the connection deregisters the viewer
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveServer_RequiresScope(t *testing.T) {
	live := NewLiveServer(NewRegistry(8, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	live.Serve(rec, httptest.NewRequest(http.MethodGet, "/live/d1", nil), "d1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
