package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/petervdpas/xrlink/internal/proto"

	"github.com/pion/webrtc/v4"
)

// Negotiation envelope types.
const (
	typeOffer     = "offer"
	typeAnswer    = "answer"
	typeCandidate = "candidate"
)

// inspectNegotiation checks offer, answer and candidate payloads and
// reports whether the payload parsed. Other signal types always pass. The
// envelope is relayed either way.
func inspectNegotiation(s proto.Signal) bool {
	var err error
	switch s.Type {
	case typeOffer, typeAnswer:
		err = checkSDP(s.Type, s.Data)
	case typeCandidate:
		err = checkCandidate(s.Data)
	default:
		return true
	}
	if err != nil {
		log.Debugw("malformed negotiation payload", "type", s.Type, "from", s.From, "err", err)
		return false
	}
	return true
}

// payload returns the object in data. Some clients send it JSON-encoded
// as a string.
func payload(data json.RawMessage) []byte {
	d := bytes.TrimSpace(data)
	if len(d) > 0 && d[0] == '"' {
		var s string
		if json.Unmarshal(d, &s) == nil {
			return []byte(s)
		}
	}
	return d
}

func checkSDP(kind string, data json.RawMessage) error {
	d := payload(data)
	if len(d) == 0 {
		return fmt.Errorf("empty %s", kind)
	}
	var desc webrtc.SessionDescription
	if d[0] == '{' {
		if err := json.Unmarshal(d, &desc); err != nil {
			return err
		}
	} else {
		// A bare SDP body.
		desc = webrtc.SessionDescription{Type: webrtc.NewSDPType(kind), SDP: string(d)}
	}
	if desc.Type == webrtc.SDPTypeUnknown {
		desc.Type = webrtc.NewSDPType(kind)
	}
	if desc.Type.String() != kind {
		return fmt.Errorf("envelope %s carries %s", kind, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	return nil
}

func checkCandidate(data json.RawMessage) error {
	d := payload(data)
	if len(d) == 0 {
		return fmt.Errorf("empty candidate")
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(d, &c); err != nil {
		return err
	}
	if c.Candidate != "" && c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("candidate without sdpMid or sdpMLineIndex")
	}
	return nil
}
