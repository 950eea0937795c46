package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Event.
type Kind int

const (
	KindStart Kind = iota
	KindScanning
	KindProcessing
	KindClick
	KindEnd
	KindError
	KindInvalid
)

var kindNames = map[Kind]string{
	KindStart:      "start",
	KindScanning:   "scanning",
	KindProcessing: "processing",
	KindClick:      "click",
	KindEnd:        "end",
	KindError:      "error",
	KindInvalid:    "invalid",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a transient message pushed to the device connection and/or the
// observers. Which fields are serialized depends on Kind.
type Event struct {
	Kind     Kind
	Sequence string
	Text     string
	Message  string
	Location string
}

func Start() Event                { return Event{Kind: KindStart} }
func End() Event                  { return Event{Kind: KindEnd} }
func Scanning(seq string) Event   { return Event{Kind: KindScanning, Sequence: seq} }
func Processing(seq string) Event { return Event{Kind: KindProcessing, Sequence: seq} }

// Click is the terminal success event of a pipeline run. text is the raw
// interpreted text, not the cleaned text stored in the index.
func Click(seq, text string) Event {
	return Event{Kind: KindClick, Sequence: seq, Text: text}
}

func Error(message string) Event {
	return Event{Kind: KindError, Message: message}
}

func CaptureFailed(detail string) Event {
	return Error("Failed to capture picture: " + detail)
}

func ProcessFailed(location string, err error) Event {
	return Event{Kind: KindError, Message: "Failed to process image: " + err.Error(), Location: location}
}

func Invalid() Event {
	return Event{Kind: KindInvalid, Message: "Invalid action"}
}

type actionPayload struct {
	Action string `json:"action"`
}

type progressPayload struct {
	Action     string `json:"action"`
	PageNumber string `json:"page_number"`
}

type clickPayload struct {
	Action     string `json:"action"`
	PageNumber string `json:"page_number"`
	OCRText    string `json:"ocr_text"`
}

type errorPayload struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	PageNumber string `json:"page_number,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindStart, KindEnd:
		return json.Marshal(actionPayload{Action: e.Kind.String()})
	case KindScanning, KindProcessing:
		return json.Marshal(progressPayload{Action: e.Kind.String(), PageNumber: e.Sequence})
	case KindClick:
		return json.Marshal(clickPayload{Action: e.Kind.String(), PageNumber: e.Sequence, OCRText: e.Text})
	case KindError, KindInvalid:
		return json.Marshal(errorPayload{
			Status:     "error",
			Message:    e.Message,
			PageNumber: e.Sequence,
			FilePath:   e.Location,
		})
	default:
		return nil, fmt.Errorf("scan: cannot marshal event kind %d", e.Kind)
	}
}

// IsBroadcast reports whether observers receive this kind of event.
// Invalid-action replies are for the originator only.
func (e Event) IsBroadcast() bool {
	return e.Kind != KindInvalid
}

// Action names accepted on the device channel.
const (
	ActionStart = "start"
	ActionClick = "click"
	ActionEnd   = "end"
)

// Command is one inbound message on the device channel.
type Command struct {
	Action string `json:"action"`
}

var ErrMalformed = errors.New("malformed command")

// ParseCommand decodes a device-channel message. An unknown action is not an
// error here; the session decides what to do with it.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if len(strings.TrimSpace(string(data))) == 0 {
		return cmd, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}
