
package proto

import "time"

const (
	// GossipSub topic shared by every relay instance of one deployment.
	ClusterTopic = "xrlink.cluster.v1"

	// mDNS service tag used when cluster.mdns is enabled.
	MdnsTag = "xrlink-mdns"
)

// Room name prefixes. Pair rooms are derived from the two sorted identities,
// device rooms address every connection holding one identity, metrics rooms
// hold the live subscribers of one device's history.
const (
	PairRoomPrefix    = "pair:"
	DeviceRoomPrefix  = "xr:"
	MetricsRoomPrefix = "metrics:"
)

// DeviceRoom returns the room used for directed delivery to an identity.
func DeviceRoom(xrID string) string { return DeviceRoomPrefix + xrID }

// MetricsRoom returns the interest group of a device's metric subscribers.
func MetricsRoom(xrID string) string { return MetricsRoomPrefix + xrID }

func NowMillis() int64 { return time.Now().UnixMilli() }

// ISOTime formats t the way browsers print Date.prototype.toISOString.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func NowISO() string { return ISOTime(time.Now()) }
