package proto

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumDecoding(t *testing.T) {
	cases := map[string]Num{
		`42`:     N(42),
		`-1.5`:   N(-1.5),
		`"17.5"`: N(17.5),
		`" 3 "`:  N(3),
		`""`:     {},
		`"abc"`:  {},
		`null`:   {},
		`true`:   N(1),
		`false`:  N(0),
		`{}`:     {},
		`[1]`:    {},
	}
	for in, want := range cases {
		var n Num
		require.NoError(t, json.Unmarshal([]byte(in), &n), in)
		assert.Equal(t, want, n, "input %s", in)
	}

	assert.False(t, N(math.NaN()).Valid)
	assert.False(t, N(math.Inf(1)).Valid)
}

func TestNumEncoding(t *testing.T) {
	b, err := json.Marshal(struct {
		A Num `json:"a"`
		B Num `json:"b"`
	}{A: N(2.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2.5,"b":null}`, string(b))
}

func TestNumHelpers(t *testing.T) {
	assert.Equal(t, N(100), N(140).Clamp(0, 100))
	assert.Equal(t, N(0), N(-3).Clamp(0, 100))
	assert.Equal(t, Num{}, Num{}.Clamp(0, 100))

	assert.Equal(t, int64(1700), N(1700).Millis(5))
	assert.Equal(t, int64(5), N(0).Millis(5))
	assert.Equal(t, int64(5), Num{}.Millis(5))
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"identify","data":{"xrId":"XR-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EvIdentify, f.Event)

	_, err = ParseFrame([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseFrame([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeWithoutData(t *testing.T) {
	b, err := Encode(EvMessageHistory, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message_history"}`, string(b))

	_, err = Encode("bad", make(chan int))
	assert.Error(t, err)
}

func decode(t *testing.T, raw string) Event {
	t.Helper()
	f, err := ParseFrame([]byte(raw))
	require.NoError(t, err)
	ev, err := Decode(f)
	require.NoError(t, err)
	return ev
}

func TestDecodeStringEncodedPayload(t *testing.T) {
	ev := decode(t, `{"event":"identify","data":"{\"xrId\":\"XR-1\",\"deviceName\":\"Quest\"}"}`)
	assert.Equal(t, Identify{XRID: "XR-1", DeviceName: "Quest"}, ev)
}

func TestDecodeJoinForms(t *testing.T) {
	assert.Equal(t, Join{XRID: "XR-1"}, decode(t, `{"event":"join","data":"XR-1"}`))
	assert.Equal(t, Join{XRID: "XR-2"}, decode(t, `{"event":"join","data":{"xrId":"XR-2"}}`))
	assert.Equal(t, Join{XRID: "XR-3"}, decode(t, `{"event":"join","data":"{\"xrId\":\"XR-3\"}"}`))
	assert.Equal(t, Join{}, decode(t, `{"event":"join"}`))
}

func TestDecodeMissingDataIsEmptyObject(t *testing.T) {
	assert.Equal(t, RequestDeviceList{}, decode(t, `{"event":"request_device_list"}`))
	assert.Equal(t, MessageHistoryRequest{}, decode(t, `{"event":"message_history"}`))
	assert.Equal(t, StatusReport{}, decode(t, `{"event":"status_report","data":null}`))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Frame{Event: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode(Frame{Event: EvTelemetry, Data: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTelemetryLenient(t *testing.T) {
	ev := decode(t, `{"event":"telemetry","data":{"xrId":"XR-1","cpuPct":"12.5","wifiDbm":"","memUsedMb":null}}`)
	tel, ok := ev.(Telemetry)
	require.True(t, ok)
	assert.Equal(t, N(12.5), tel.CPUPct)
	assert.False(t, tel.WifiDbm.Valid)
	assert.False(t, tel.MemUsedMb.Valid)
}

func TestEventNamesRoundTrip(t *testing.T) {
	for _, name := range []string{
		EvIdentify, EvJoin, EvPairWith, EvSignal, EvControl, EvMessage, EvTelemetry,
		EvBattery, EvWebRTCQuality, EvMetricsSubscribe, EvMetricsUnsubscribe,
		EvRequestDeviceList, EvMessageHistory, EvClearMessages, EvClearConfirmation, EvStatusReport,
	} {
		ev, err := Decode(Frame{Event: name})
		require.NoError(t, err, name)
		assert.Equal(t, name, ev.EventName())
	}
}

func TestControlName(t *testing.T) {
	assert.Equal(t, "mute", Control{Command: "mute", Action: "other"}.Name())
	assert.Equal(t, "other", Control{Action: "other"}.Name())
}

func TestRoomsAndTime(t *testing.T) {
	assert.Equal(t, "xr:XR-1", DeviceRoom("XR-1"))
	assert.Equal(t, "metrics:XR-1", MetricsRoom("XR-1"))

	ts := time.Date(2025, 3, 1, 12, 0, 0, 5_000_000, time.FixedZone("x", 3600))
	assert.Equal(t, "2025-03-01T11:00:00.005Z", ISOTime(ts))
}

func TestSignalOutKeepsRawData(t *testing.T) {
	b, err := json.Marshal(SignalOut{Type: "offer", From: "XR-1", Data: RawData(json.RawMessage(`{"sdp":"v=0"}`))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","from":"XR-1","data":{"sdp":"v=0"}}`, string(b))

	b, err = json.Marshal(SignalOut{Type: "x", Data: RawData(nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"x"}`, string(b))
}
