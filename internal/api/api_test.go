package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrowatch/internal/auth"
	"agrowatch/internal/dispatch"
	"agrowatch/internal/events"
	"agrowatch/internal/model"
	"agrowatch/internal/storage"
)

type fakeStore struct {
	devices    map[string]*model.Device
	dispatches map[string]*model.DispatchRecord
	readings   map[string][]model.Reading

	listFrom, listTo time.Time
}

func (f *fakeStore) GetDevice(id string) (*model.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListDevices() ([]model.Device, error) {
	var out []model.Device
	for _, d := range f.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetDispatch(id string) (*model.DispatchRecord, error) {
	if r, ok := f.dispatches[id]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListDispatches(deviceID string, from, to time.Time) ([]model.DispatchRecord, error) {
	f.listFrom, f.listTo = from, to
	var out []model.DispatchRecord
	for _, r := range f.dispatches {
		if r.DeviceID == deviceID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetReadings(sensorID string, limit int) ([]model.Reading, error) {
	r := f.readings[sensorID]
	if len(r) > limit {
		r = r[len(r)-limit:]
	}
	return r, nil
}

type fakeTrigger struct {
	target string
	dc     dispatch.Context
	err    error
}

func (f *fakeTrigger) Trigger(_ context.Context, rawTarget string, dc dispatch.Context) ([]*model.DispatchRecord, error) {
	f.target, f.dc = rawTarget, dc
	id := dc.CorrelationID
	if id == "" {
		id = "generated"
	}
	var recs []*model.DispatchRecord
	for i := range strings.Split(rawTarget, ",") {
		cid := id
		if i > 0 {
			cid = fmt.Sprintf("%s-%d", id, i+1)
		}
		recs = append(recs, &model.DispatchRecord{CorrelationID: cid})
	}
	return recs, f.err
}

type fakeBroker bool

func (b fakeBroker) IsConnected() bool { return bool(b) }

type fixture struct {
	server  *Server
	store   *fakeStore
	trigger *fakeTrigger
	events  *events.Store
	jwt     *auth.JWTManager
	tokens  *auth.WSTokenStore
}

func newFixture(t *testing.T, noAuth bool) *fixture {
	t.Helper()
	queued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		store: &fakeStore{
			devices: map[string]*model.Device{
				"pump-1": {ID: "pump-1", Status: model.DeviceOnline, Capabilities: []string{"irrigation_on"}},
			},
			dispatches: map[string]*model.DispatchRecord{
				"c-1": {CorrelationID: "c-1", DeviceID: "pump-1", State: model.StateAck, QueuedAt: queued},
			},
			readings: map[string][]model.Reading{
				"dht-1": {{SensorID: "dht-1", Value: 20}, {SensorID: "dht-1", Value: 21}, {SensorID: "dht-1", Value: 22}},
			},
		},
		trigger: &fakeTrigger{},
		events:  events.NewStore(10),
		jwt:     auth.NewJWTManager("secret", time.Hour),
		tokens:  auth.NewWSTokenStore(),
	}
	f.server = NewServer(Deps{
		Store:          f.store,
		Trigger:        f.trigger,
		EventStore:     f.events,
		Broker:         fakeBroker(true),
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "metrics") }),
		JWT:            f.jwt,
		Limiter:        auth.NewTriggerLimiter(100, 100),
		WSTokens:       f.tokens,
		NoAuth:         noAuth,
		StreamInterval: 10 * time.Millisecond,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		token, err := f.jwt.GenerateToken("tester", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/actuators/trigger",
		`{"target":"farm/actuators/a/fan_on,farm/actuators/b/fan_on","correlationId":"ext","tier":"critical","sensorId":"dht-1","value":31.5}`,
		auth.RoleOperator)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TriggerResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"ext", "ext-2"}, resp.CorrelationIDs)

	assert.Equal(t, model.TierCritical, f.trigger.dc.Tier)
	assert.Equal(t, "ext", f.trigger.dc.CorrelationID)
	assert.Equal(t, "dht-1", f.trigger.dc.SensorID)
	require.NotNil(t, f.trigger.dc.Value)
	assert.Equal(t, 31.5, *f.trigger.dc.Value)
}

func TestTriggerFailures(t *testing.T) {
	f := newFixture(t, false)

	f.trigger.err = errors.New("broker down")
	rec := f.do(t, http.MethodPost, "/api/actuators/trigger", `{"target":"fan_on","deviceId":"a"}`, auth.RoleOperator)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp TriggerResponse
	decode(t, rec, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"generated"}, resp.CorrelationIDs)

	f.trigger.err = dispatch.ErrNoTopics
	rec = f.do(t, http.MethodPost, "/api/actuators/trigger", `{"target":" , "}`, auth.RoleOperator)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tests := map[string]string{
		"bad json":     `{`,
		"no target":    `{}`,
		"unknown tier": `{"target":"fan_on","tier":"urgent"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/actuators/trigger", body, auth.RoleOperator)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestTriggerAuthorization(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/actuators/trigger", `{"target":"fan_on"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/actuators/trigger", `{"target":"fan_on"}`, auth.RoleViewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	open := newFixture(t, true)
	rec = open.do(t, http.MethodPost, "/api/actuators/trigger", `{"target":"fan_on","deviceId":"a"}`, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTriggerRateLimit(t *testing.T) {
	f := newFixture(t, true)
	handler := NewActuatorHandler(f.trigger, auth.NewTriggerLimiter(0.001, 1))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/actuators/trigger", strings.NewReader(`{"target":"fan_on","deviceId":"a"}`))
		req.Header.Set("X-Real-IP", "192.0.2.10")
		rec := httptest.NewRecorder()
		handler.Trigger(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/dispatches/c-1", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.DispatchRecord
	decode(t, rec, &got)
	assert.Equal(t, model.StateAck, got.State)

	rec = f.do(t, http.MethodGet, "/api/dispatches/missing", "", auth.RoleViewer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/devices/pump-1", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var dev model.Device
	decode(t, rec, &dev)
	assert.Equal(t, model.DeviceOnline, dev.Status)
	assert.Equal(t, []string{"irrigation_on"}, dev.Capabilities)

	rec = f.do(t, http.MethodGet, "/api/devices/ghost", "", auth.RoleViewer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.store.devices["fan-1"] = &model.Device{ID: "fan-1", Status: model.DeviceOffline}
	rec = f.do(t, http.MethodGet, "/api/devices", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Devices []model.Device `json:"devices"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Devices, 2)
	assert.Equal(t, "fan-1", list.Devices[0].ID)
	assert.Equal(t, model.DeviceOffline, list.Devices[0].Status)

	rec = f.do(t, http.MethodGet, "/api/devices", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sensors/dht-1/readings?limit=2", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var readings struct {
		Readings []model.Reading `json:"readings"`
	}
	decode(t, rec, &readings)
	require.Len(t, readings.Readings, 2)
	assert.Equal(t, 22.0, readings.Readings[1].Value)

	rec = f.do(t, http.MethodGet, "/api/sensors/none/readings", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"readings":[]`)
}

func TestDeviceDispatchesRange(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet,
		"/api/devices/pump-1/dispatches?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Dispatches []model.DispatchRecord `json:"dispatches"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Dispatches, 1)
	assert.Equal(t, "c-1", resp.Dispatches[0].CorrelationID)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.store.listFrom.UTC())
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), f.store.listTo.UTC())

	rec = f.do(t, http.MethodGet, "/api/devices/pump-1/dispatches?from=yesterday", "", auth.RoleViewer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet,
		"/api/devices/pump-1/dispatches?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", "", auth.RoleViewer)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsList(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 3; i++ {
		f.events.Add(events.Event{Type: events.EventDeviceStatus, DeviceID: fmt.Sprintf("d%d", i)})
	}

	rec := f.do(t, http.MethodGet, "/api/events?limit=2", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []events.Event `json:"events"`
		LastID int64          `json:"lastId"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "d2", resp.Events[0].DeviceID)
	assert.Equal(t, int64(3), resp.LastID)

	rec = f.do(t, http.MethodGet, "/api/events?since=3", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mqtt":true`)

	rec = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, "metrics", rec.Body.String())

	f.server.deps.Broker = fakeBroker(false)
	rec = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, false)
	f.events.Add(events.Event{Type: events.EventDeviceStatus, DeviceID: "before"})

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "stream requires a token")
	if resp != nil {
		resp.Body.Close()
	}

	rec := f.do(t, http.MethodGet, "/api/auth/ws-token", "", auth.RoleViewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok map[string]string
	decode(t, rec, &tok)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?since=0&ws_token="+tok["token"], nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	f.events.Add(events.Event{Type: events.EventDeviceOffline, DeviceID: "after"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second events.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "before", first.DeviceID)
	assert.Equal(t, "after", second.DeviceID)
	assert.Equal(t, int64(2), second.ID)
}
