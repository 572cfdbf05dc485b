package proto

import "encoding/json"

// TelemetryRecord is the latest telemetry of one device, as broadcast in
// telemetry_update and attached to device_list rows.
type TelemetryRecord struct {
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
	TS          int64  `json:"ts"`
}

// TelemetrySample is one point of a device's telemetry history.
type TelemetrySample struct {
	TS          int64  `json:"ts"`
	ConnType    string `json:"connType"`
	WifiMbps    Num    `json:"wifiMbps"`
	NetDownMbps Num    `json:"netDownMbps"`
	NetUpMbps   Num    `json:"netUpMbps"`
	BatteryPct  Num    `json:"batteryPct"`
	CPUPct      Num    `json:"cpuPct"`
	MemUsedMb   Num    `json:"memUsedMb"`
	MemTotalMb  Num    `json:"memTotalMb"`
	DeviceTempC Num    `json:"deviceTempC"`
}

// QualitySnapshot is the latest WebRTC quality report of one device.
type QualitySnapshot struct {
	XRID        string `json:"xrId"`
	TS          int64  `json:"ts"`
	JitterMs    Num    `json:"jitterMs"`
	LossPct     Num    `json:"lossPct"`
	RttMs       Num    `json:"rttMs"`
	FPS         Num    `json:"fps"`
	Dropped     Num    `json:"dropped"`
	NackCount   Num    `json:"nackCount"`
	BitrateKbps Num    `json:"bitrateKbps"`
}

// QualitySample is one point of a device's quality history.
type QualitySample struct {
	TS          int64 `json:"ts"`
	JitterMs    Num   `json:"jitterMs"`
	RttMs       Num   `json:"rttMs"`
	LossPct     Num   `json:"lossPct"`
	BitrateKbps Num   `json:"bitrateKbps"`
}

func (s TelemetrySample) Timestamp() int64 { return s.TS }
func (s QualitySample) Timestamp() int64   { return s.TS }

// BatterySnapshot is latest-only; every update overwrites it.
type BatterySnapshot struct {
	Pct      Num   `json:"pct"`
	Charging bool  `json:"charging"`
	TS       int64 `json:"ts"`
}

type BatteryUpdate struct {
	XRID     string `json:"xrId"`
	Pct      Num    `json:"pct"`
	Charging bool   `json:"charging"`
	TS       int64  `json:"ts"`
}

type MetricsSnapshot struct {
	XRID      string            `json:"xrId"`
	Telemetry []TelemetrySample `json:"telemetry"`
	Quality   []QualitySample   `json:"quality"`
}

// MetricsUpdate carries only the newest samples of one kind.
type MetricsUpdate struct {
	XRID      string            `json:"xrId"`
	Telemetry []TelemetrySample `json:"telemetry,omitempty"`
	Quality   []QualitySample   `json:"quality,omitempty"`
}

// QualityBatch is the global broadcast for the batched quality signal.
type QualityBatch struct {
	DeviceID string          `json:"deviceId"`
	Samples  []QualitySample `json:"samples"`
}

// DeviceSummary is one row of device_list.
type DeviceSummary struct {
	XRID       string           `json:"xrId"`
	DeviceName string           `json:"deviceName"`
	Battery    Num              `json:"battery"`
	Charging   bool             `json:"charging"`
	BatteryTS  *int64           `json:"batteryTs"`
	Telemetry  *TelemetryRecord `json:"telemetry,omitempty"`
}

// HolderInfo describes the connection that already holds an identity.
type HolderInfo struct {
	XRID       string `json:"xrId"`
	DeviceName string `json:"deviceName"`
	Since      *int64 `json:"since"`
	SocketID   string `json:"socketId"`
}

type DuplicateID struct {
	XRID       string     `json:"xrId"`
	HolderInfo HolderInfo `json:"holderInfo"`
}

type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

type RoomUpdate struct {
	Pairs []Pair `json:"pairs"`
}

type RoomJoined struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

type PeerLeft struct {
	XRID   string `json:"xrId"`
	RoomID string `json:"roomId"`
}

// ErrorPayload is used by error, pair_error and signal_error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SignalOut is the routed form of a signal.
type SignalOut struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	Data any    `json:"data,omitempty"`
}

// RawData keeps a relayed payload byte-for-byte.
func RawData(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ControlOut carries the command under both keys so old and new clients
// read the same value.
type ControlOut struct {
	Command string `json:"command"`
	Action  string `json:"action"`
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`
}

type StatusOut struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// MessageRecord is one chat entry; ID is the arrival time in unix millis.
type MessageRecord struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text"`
	Urgent    bool   `json:"urgent"`
	Sender    string `json:"sender"`
	XRID      string `json:"xrId,omitempty"`
	Timestamp string `json:"timestamp"`
	ID        int64  `json:"id,omitempty"`
}

type MessageHistory struct {
	Type     string          `json:"type"`
	Messages []MessageRecord `json:"messages"`
}

// TranscriptOut is the console copy of a transcript message.
type TranscriptOut struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Timestamp string `json:"timestamp"`
}

// MessagesCleared is sent as message-cleared.
type MessagesCleared struct {
	Type      string `json:"type"`
	By        string `json:"by"`
	MessageID int64  `json:"messageId"`
}

// ClearConfirmed is sent as message_cleared.
type ClearConfirmed struct {
	Type      string `json:"type"`
	By        string `json:"by"`
	Timestamp string `json:"timestamp"`
}
