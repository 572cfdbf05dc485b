package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EvIdentify           = "identify"
	EvJoin               = "join"
	EvPairWith           = "pair_with"
	EvSignal             = "signal"
	EvControl            = "control"
	EvMessage            = "message"
	EvTelemetry          = "telemetry"
	EvBattery            = "battery"
	EvWebRTCQuality      = "webrtc_quality"
	EvMetricsSubscribe   = "metrics_subscribe"
	EvMetricsUnsubscribe = "metrics_unsubscribe"
	EvRequestDeviceList  = "request_device_list"
	EvMessageHistory     = "message_history"
	EvClearMessages      = "clear-messages"
	EvClearConfirmation  = "clear_confirmation"
	EvStatusReport       = "status_report"
)

// Outbound event names. signal, control, message, message_history and
// status_report are shared with the inbound set.
const (
	OutDeviceList          = "device_list"
	OutRoomUpdate          = "room_update"
	OutRoomJoined          = "room_joined"
	OutPeerLeft            = "peer_left"
	OutDuplicateID         = "duplicate_id"
	OutMessageClearedDash  = "message-cleared"
	OutMessageCleared      = "message_cleared"
	OutBatteryUpdate       = "battery_update"
	OutTelemetryUpdate     = "telemetry_update"
	OutWebRTCQualityUpdate = "webrtc_quality_update"
	OutMetricsSnapshot     = "metrics_snapshot"
	OutMetricsUpdate       = "metrics_update"
	OutPairError           = "pair_error"
	OutSignalError         = "signal_error"
	OutError               = "error"
)

// Reserved signal and message subtypes.
const (
	SignalQualityBatch     = "webrtc_quality_update"
	SignalTranscript       = "transcript_console"
	SignalSoapNote         = "soap_note_console"
	SignalDrugConsole      = "drug_availability_console"
	SignalDrugAvailability = "drug_availability"
	MessageTypeTranscript  = "transcript"
	MessageTypeMessage     = "message"
)

// Event is one decoded inbound event.
type Event interface {
	EventName() string
}

type Identify struct {
	DeviceName string `json:"deviceName"`
	XRID       string `json:"xrId"`
}

// Join is the minimal identify. Clients send either {"xrId": "..."} or the
// bare identity string.
type Join struct {
	XRID string `json:"xrId"`
}

type PairWith struct {
	PeerID string `json:"peerId"`
}

type Signal struct {
	Type     string          `json:"type"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
	Samples  []QualityInput  `json:"samples,omitempty"`
}

// QualityInput is one entry of a batched quality signal.
type QualityInput struct {
	TS          Num `json:"ts"`
	JitterMs    Num `json:"jitterMs"`
	RttMs       Num `json:"rttMs"`
	LossPct     Num `json:"lossPct"`
	BitrateKbps Num `json:"bitrateKbps"`
}

type Control struct {
	Command string `json:"command,omitempty"`
	Action  string `json:"action,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Message string `json:"message,omitempty"`
}

// Name returns command, falling back to action.
func (c Control) Name() string {
	if c.Command != "" {
		return c.Command
	}
	return c.Action
}

type Message struct {
	Type      string `json:"type,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text"`
	Urgent    bool   `json:"urgent,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type Telemetry struct {
	XRID        string `json:"xrId"`
	ConnType    string `json:"connType"`
	WifiDbm     Num    `json:"wifiDbm"`
	WifiMbps    Num    `json:"wifiMbps"`
	WifiBars    Num    `json:"wifiBars"`
	CellDbm     Num    `json:"cellDbm"`
	CellBars    Num    `json:"cellBars"`
	NetDownMbps Num    `json:"netDownMbps"`
	NetUpMbps   Num    `json:"netUpMbps"`
	CPUPct      Num    `json:"cpuPct"`
	MemUsedMb   Num    `json:"memUsedMb"`
	MemTotalMb  Num    `json:"memTotalMb"`
	DeviceTempC Num    `json:"deviceTempC"`
}

type Battery struct {
	XRID       string `json:"xrId"`
	BatteryPct Num    `json:"batteryPct"`
	Charging   bool   `json:"charging"`
}

type WebRTCQuality struct {
	XRID        string `json:"xrId"`
	TS          Num    `json:"ts"`
	JitterMs    Num    `json:"jitterMs"`
	RttMs       Num    `json:"rttMs"`
	LossPct     Num    `json:"lossPct"`
	FPS         Num    `json:"fps"`
	Dropped     Num    `json:"dropped"`
	NackCount   Num    `json:"nackCount"`
	BitrateKbps Num    `json:"bitrateKbps"`
}

type MetricsSubscribe struct {
	XRID string `json:"xrId"`
}

type MetricsUnsubscribe struct {
	XRID string `json:"xrId"`
}

type RequestDeviceList struct{}

type MessageHistoryRequest struct{}

type ClearMessages struct {
	By string `json:"by"`
}

type ClearConfirmation struct {
	Device string `json:"device"`
}

type StatusReport struct {
	From   string `json:"from"`
	Status string `json:"status"`
}

func (Identify) EventName() string              { return EvIdentify }
func (Join) EventName() string                  { return EvJoin }
func (PairWith) EventName() string              { return EvPairWith }
func (Signal) EventName() string                { return EvSignal }
func (Control) EventName() string               { return EvControl }
func (Message) EventName() string               { return EvMessage }
func (Telemetry) EventName() string             { return EvTelemetry }
func (Battery) EventName() string               { return EvBattery }
func (WebRTCQuality) EventName() string         { return EvWebRTCQuality }
func (MetricsSubscribe) EventName() string      { return EvMetricsSubscribe }
func (MetricsUnsubscribe) EventName() string    { return EvMetricsUnsubscribe }
func (RequestDeviceList) EventName() string     { return EvRequestDeviceList }
func (MessageHistoryRequest) EventName() string { return EvMessageHistory }
func (ClearMessages) EventName() string         { return EvClearMessages }
func (ClearConfirmation) EventName() string     { return EvClearConfirmation }
func (StatusReport) EventName() string          { return EvStatusReport }

// Decode turns a frame into its typed event.
func Decode(f Frame) (Event, error) {
	switch f.Event {
	case EvIdentify:
		return decodeAs[Identify](f.Data)
	case EvJoin:
		return decodeJoin(f.Data)
	case EvPairWith:
		return decodeAs[PairWith](f.Data)
	case EvSignal:
		return decodeAs[Signal](f.Data)
	case EvControl:
		return decodeAs[Control](f.Data)
	case EvMessage:
		return decodeAs[Message](f.Data)
	case EvTelemetry:
		return decodeAs[Telemetry](f.Data)
	case EvBattery:
		return decodeAs[Battery](f.Data)
	case EvWebRTCQuality:
		return decodeAs[WebRTCQuality](f.Data)
	case EvMetricsSubscribe:
		return decodeAs[MetricsSubscribe](f.Data)
	case EvMetricsUnsubscribe:
		return decodeAs[MetricsUnsubscribe](f.Data)
	case EvRequestDeviceList:
		return RequestDeviceList{}, nil
	case EvMessageHistory:
		return MessageHistoryRequest{}, nil
	case EvClearMessages:
		return decodeAs[ClearMessages](f.Data)
	case EvClearConfirmation:
		return decodeAs[ClearConfirmation](f.Data)
	case EvStatusReport:
		return decodeAs[StatusReport](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := decodeInto(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeJoin(data json.RawMessage) (Event, error) {
	d := bytes.TrimSpace(data)
	if len(d) > 0 && d[0] == '"' {
		var s string
		if err := json.Unmarshal(d, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		// A quoted object is an encoded payload, a quoted word is the id.
		if t := bytes.TrimSpace([]byte(s)); len(t) == 0 || t[0] != '{' {
			return Join{XRID: s}, nil
		}
	}
	return decodeAs[Join](data)
}
