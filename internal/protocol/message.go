// Package protocol implements the line-delimited JSON command link to the
// tracking server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/expoolleet/pi-tracking-stream-receiver/internal/roi"
)

// Command names understood by the tracking server.
const (
	CmdUpdateTracking    = "update_tracking"
	CmdStopTracking      = "stop_tracking"
	CmdRebootServer      = "reboot_server"
	CmdDisconnect        = "disconnect"
	CmdStartStream       = "start_stream"
	CmdStopStream        = "stop_stream"
	CmdChangeStreamRes   = "change_stream_res"
	CmdTrackerData       = "tracker_data"
	CmdSendCFS           = "send_cfs"
	CmdRequestTracking   = "request_tracking"
	CmdStartTransmission = "start_transmission"
	CmdStopTransmission  = "stop_transmission"
	CmdToggleROI         = "toggle_roi"
	CmdToggleCrosshair   = "toggle_crosshair"

	// CmdROI carries a locally selected region to the server.
	CmdROI = "roi"
)

var (
	ErrUnrecognized = errors.New("protocol: unrecognized message")
	ErrEmptyLine    = errors.New("protocol: empty line")
)

// Message is one wire unit: {"command": ..., "data": ...}.
type Message struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// Encode builds a newline terminated message. A nil data encodes as null.
func Encode(command string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", command, err)
	}
	b, err := json.Marshal(Message{Command: command, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line produced by Encode. The trailing newline is optional.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, ErrEmptyLine
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// EventKind identifies an inbound event.
type EventKind int

const (
	EventRegionUpdate EventKind = iota + 1
	EventStopTracking
	EventDisconnect
	EventTrackerData
	EventRequestTracking
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRegionUpdate:
		return "region_update"
	case EventStopTracking:
		return "stop_tracking"
	case EventDisconnect:
		return "disconnect"
	case EventTrackerData:
		return "tracker_data"
	case EventRequestTracking:
		return "request_tracking"
	case EventConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// Event is a dispatched inbound message. Region is set when HasRegion is
// true; Data holds the raw tracker_data payload.
type Event struct {
	Kind      EventKind
	Region    roi.Region
	HasRegion bool
	Data      json.RawMessage
}

type inbound struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
	ROI     *roi.Region     `json:"roi"`
}

type trackerData struct {
	ROI *roi.Region `json:"roi"`
}

// ParseInbound maps one server line to an Event. Lines that are valid JSON
// but not part of the protocol return ErrUnrecognized.
func ParseInbound(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, ErrEmptyLine
	}

	var in inbound
	if err := json.Unmarshal(line, &in); err != nil {
		return Event{}, fmt.Errorf("parse inbound: %w", err)
	}

	if in.ROI != nil {
		return Event{Kind: EventRegionUpdate, Region: *in.ROI, HasRegion: true}, nil
	}

	switch in.Command {
	case CmdStopTracking:
		return Event{Kind: EventStopTracking}, nil
	case CmdDisconnect:
		return Event{Kind: EventDisconnect}, nil
	case CmdRequestTracking:
		return Event{Kind: EventRequestTracking}, nil
	case CmdTrackerData:
		ev := Event{Kind: EventTrackerData, Data: in.Data}
		if len(in.Data) > 0 && !bytes.Equal(in.Data, []byte("null")) {
			var td trackerData
			if err := json.Unmarshal(in.Data, &td); err != nil {
				return Event{}, fmt.Errorf("parse tracker_data: %w", err)
			}
			if td.ROI != nil {
				ev.Region, ev.HasRegion = *td.ROI, true
			}
		}
		return ev, nil
	}

	return Event{}, fmt.Errorf("%w: command %q", ErrUnrecognized, in.Command)
}
