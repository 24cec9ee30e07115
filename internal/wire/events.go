// Package wire defines the frame union exchanged between peers and the
// relay: a JSON envelope `{"type": <TAG>, "data": <PAYLOAD>}` carrying one
// of the event payloads below. Every payload that crosses the wire is
// validated with struct tags before it is acted on — nothing past Decode
// is trusted implicitly, the same discipline the store package gives
// WAL entries before they touch in-memory state.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Tag identifies the shape of a frame's Data field.
type Tag string

const (
	TagChatMessage          Tag = "CHAT_MESSAGE"
	TagMouseEvent            Tag = "MOUSE_EVENT"
	TagSyncRequest           Tag = "SYNC_REQUEST"
	TagSyncVersionAnnounce   Tag = "SYNC_VERSION_ANNOUNCE"
	TagSyncSnapshotRequest   Tag = "SYNC_SNAPSHOT_REQUEST"
	TagSyncSnapshot          Tag = "SYNC_SNAPSHOT"
	TagVotingStart           Tag = "VOTING_START"
	TagVotingCast            Tag = "VOTING_CAST"
	TagVotingResult          Tag = "VOTING_RESULT"
	TagVotingEnd             Tag = "VOTING_END"
	TagPresenceRequest       Tag = "PRESENCE_REQUEST"
	TagPresenceResponse      Tag = "PRESENCE_RESPONSE"
	TagPresenceAnnounce      Tag = "PRESENCE_ANNOUNCE"
	TagPing                  Tag = "PING"
	TagPong                  Tag = "PONG"
	TagError                 Tag = "ERROR"
)

// Frame is the wire envelope. Data is re-decoded per Tag by Decode.
type Frame struct {
	Type Tag             `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var validate = validator.New()

// MouseEventType enumerates the discrete cursor actions carried by
// MOUSE_EVENT frames.
type MouseEventType string

const (
	MouseLeft   MouseEventType = "Left"
	MouseRight  MouseEventType = "Right"
	MouseMiddle MouseEventType = "Middle"
	MouseMove   MouseEventType = "Move"
)

// ChatMessagePayload is CHAT_MESSAGE's data.
type ChatMessagePayload struct {
	Payload  string `json:"payload" validate:"required,min=1,max=500"`
	Username string `json:"username" validate:"required,min=1,max=255"`
}

// MouseEventPayload is MOUSE_EVENT's data.
type MouseEventPayload struct {
	X              int32          `json:"x"`
	Y              int32          `json:"y"`
	MouseEventType MouseEventType `json:"mouse_event_type" validate:"required,oneof=Left Right Middle Move"`
	UserID         string         `json:"user_id" validate:"required"`
}

// SyncVersionAnnouncePayload is SYNC_VERSION_ANNOUNCE's data — see
// spec §4.4 for how recipients classify it (IDENTICAL / DESCENDANT /
// FORK / SPLIT_BRAIN / BEHIND).
type SyncVersionAnnouncePayload struct {
	Username     string   `json:"username"`
	Version      uint64   `json:"version"`
	StateHash    string   `json:"state_hash"`
	RecentHashes []string `json:"recent_hashes"`
}

// SyncSnapshotRequestPayload is SYNC_SNAPSHOT_REQUEST's data. An empty
// TargetUsername means "broadcast — everyone reply with your snapshot".
type SyncSnapshotRequestPayload struct {
	TargetUsername string `json:"target_username"`
}

// SyncSnapshotPayload is SYNC_SNAPSHOT's data. State is left as
// json.RawMessage here to avoid an import cycle with roomstate; callers
// unmarshal it into roomstate.State.
type SyncSnapshotPayload struct {
	Version uint64          `json:"version"`
	State   json.RawMessage `json:"state"`
}

// VotingType distinguishes single- from multi-select votings.
type VotingType string

const (
	VotingSingleChoice   VotingType = "SingleChoice"
	VotingMultipleChoice VotingType = "MultipleChoice"
)

// VotingOption is one selectable choice in a voting.
type VotingOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// VotingStartPayload is VOTING_START's data.
type VotingStartPayload struct {
	VotingID         string         `json:"voting_id" validate:"required"`
	Question         string         `json:"question" validate:"required"`
	Options          []VotingOption `json:"options" validate:"required,min=1"`
	Type             VotingType     `json:"type" validate:"required,oneof=SingleChoice MultipleChoice"`
	IsAnonymous      bool           `json:"is_anonymous"`
	TimerSeconds     *uint32        `json:"timer_seconds,omitempty"`
	DefaultOptionID  *string        `json:"default_option_id,omitempty"`
	Creator          string         `json:"creator" validate:"required"`
}

// VotingCastPayload is VOTING_CAST's data.
type VotingCastPayload struct {
	VotingID         string   `json:"voting_id" validate:"required"`
	User             string   `json:"user" validate:"required"`
	SelectedOptionIDs []string `json:"selected_option_ids" validate:"required,min=1"`
}

// VotingOptionResult is one option's tally in a VOTING_RESULT frame.
type VotingOptionResult struct {
	OptionID string   `json:"option_id"`
	Count    uint32   `json:"count"`
	Voters   []string `json:"voters,omitempty"`
}

// VotingResultPayload is VOTING_RESULT's data.
type VotingResultPayload struct {
	VotingID          string                `json:"voting_id"`
	Question          string                `json:"question"`
	Options           []VotingOption        `json:"options"`
	Results           []VotingOptionResult  `json:"results"`
	TotalParticipants uint32                `json:"total_participants"`
	TotalVoted        uint32                `json:"total_voted"`
}

// VotingEndPayload is VOTING_END's data.
type VotingEndPayload struct {
	VotingID string `json:"voting_id" validate:"required"`
}

// PresenceRequestPayload is PRESENCE_REQUEST's data.
type PresenceRequestPayload struct {
	RequestID string `json:"request_id" validate:"required"`
	Requester string `json:"requester" validate:"required"`
}

// PresenceResponsePayload is PRESENCE_RESPONSE's data.
type PresenceResponsePayload struct {
	RequestID string `json:"request_id" validate:"required"`
	User      string `json:"user" validate:"required"`
}

// PresenceAnnouncePayload is PRESENCE_ANNOUNCE's data.
type PresenceAnnouncePayload struct {
	RequestID   string   `json:"request_id" validate:"required"`
	OnlineUsers []string `json:"online_users"`
}

// ErrorPayload is what the relay or a peer sends back on InvalidJSON /
// ValidationFailed (spec §7) instead of acting on a frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode wraps a payload into a Frame with the given tag.
func Encode(tag Tag, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: tag}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", tag, err)
	}
	return Frame{Type: tag, Data: data}, nil
}

// Marshal encodes payload as a complete wire frame ready to send.
func Marshal(tag Tag, payload any) ([]byte, error) {
	f, err := Encode(tag, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// ErrorFrame builds a ready-to-send ERROR frame for the given message.
func ErrorFrame(msg string) []byte {
	b, _ := Marshal(TagError, ErrorPayload{Error: msg})
	return b
}

// Decode parses raw bytes into a Frame. It checks only the envelope;
// Data is validated against its struct tags later, by DecodePayload.
// A decode failure here is InvalidJSON; a validation failure from
// DecodePayload is ValidationFailed — both are returned as plain
// errors and the caller is expected to reply with ErrorFrame and drop
// the message (spec §7).
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid json: %w", err)
	}
	return f, nil
}

// DecodePayload unmarshals f.Data into v and runs validator tags on it.
func DecodePayload(f Frame, v any) error {
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, v); err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
