// Package protocol implements the binary framing spoken over collaboration
// sockets. Every frame starts with a one-byte message type: sync frames carry
// a sub-type byte distinguishing a state-summary request from an update diff,
// awareness frames carry the originating client id and an opaque state blob.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// Message type tags on the wire.
const (
	MessageTypeSync      byte = 0
	MessageTypeAwareness byte = 1
)

// Sync envelope sub-types.
const (
	SyncSubTypeRequest byte = 0
	SyncSubTypeDiff    byte = 1
)

const changeHashSize = 32

var (
	// ErrEmptyFrame indicates a zero-length frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrUnknownMessageType indicates an unrecognised message type tag.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrUnknownSyncSubType indicates an unrecognised sync sub-type tag.
	ErrUnknownSyncSubType = errors.New("protocol: unknown sync sub-type")
	// ErrTruncatedFrame indicates a frame shorter than its declared contents.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// Message is the decoded form of one inbound frame.
type Message interface {
	isMessage()
}

// SyncRequest asks the receiver to reply with every change the sender is
// missing. Heads is the sender's state summary; empty means "send everything".
type SyncRequest struct {
	Heads []automerge.ChangeHash
}

// SyncDiff carries serialized document changes to apply to the local replica.
type SyncDiff struct {
	Update []byte
}

// AwarenessUpdate carries one client's ephemeral presence state. An empty
// State is the disconnect tombstone for that client id.
type AwarenessUpdate struct {
	ClientID uint64
	State    []byte
}

func (SyncRequest) isMessage()     {}
func (SyncDiff) isMessage()        {}
func (AwarenessUpdate) isMessage() {}

// EncodeSyncRequest frames a state-summary request.
func EncodeSyncRequest(heads []automerge.ChangeHash) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(heads)*changeHashSize)
	buf = append(buf, MessageTypeSync, SyncSubTypeRequest)
	buf = binary.AppendUvarint(buf, uint64(len(heads)))
	for _, head := range heads {
		buf = append(buf, head[:]...)
	}
	return buf
}

// EncodeSyncDiff frames serialized document changes.
func EncodeSyncDiff(update []byte) []byte {
	buf := make([]byte, 0, 2+len(update))
	buf = append(buf, MessageTypeSync, SyncSubTypeDiff)
	return append(buf, update...)
}

// EncodeAwareness frames one client's awareness state.
func EncodeAwareness(clientID uint64, state []byte) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(state))
	buf = append(buf, MessageTypeAwareness)
	buf = binary.AppendUvarint(buf, clientID)
	return append(buf, state...)
}

// Decode parses one inbound frame into its tagged message form.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	switch frame[0] {
	case MessageTypeSync:
		return decodeSync(frame[1:])
	case MessageTypeAwareness:
		return decodeAwareness(frame[1:])
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, frame[0])
	}
}

func decodeSync(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: missing sync sub-type", ErrTruncatedFrame)
	}
	subType, body := payload[0], payload[1:]
	switch subType {
	case SyncSubTypeRequest:
		heads, err := decodeHeads(body)
		if err != nil {
			return nil, err
		}
		return SyncRequest{Heads: heads}, nil
	case SyncSubTypeDiff:
		update := make([]byte, len(body))
		copy(update, body)
		return SyncDiff{Update: update}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSyncSubType, subType)
	}
}

func decodeHeads(body []byte) ([]automerge.ChangeHash, error) {
	count, read := binary.Uvarint(body)
	if read <= 0 {
		return nil, fmt.Errorf("%w: invalid head count", ErrTruncatedFrame)
	}
	body = body[read:]
	// Validate the count against the body length without multiplying it out:
	// a hostile count near 2^64/32 would wrap the product and slip past a
	// length check straight into the allocation below.
	if uint64(len(body))%changeHashSize != 0 || count != uint64(len(body))/changeHashSize {
		return nil, fmt.Errorf("%w: head count %d does not match %d body bytes", ErrTruncatedFrame, count, len(body))
	}
	heads := make([]automerge.ChangeHash, count)
	for i := range heads {
		copy(heads[i][:], body[i*changeHashSize:(i+1)*changeHashSize])
	}
	return heads, nil
}

func decodeAwareness(payload []byte) (Message, error) {
	clientID, read := binary.Uvarint(payload)
	if read <= 0 {
		return nil, fmt.Errorf("%w: invalid awareness client id", ErrTruncatedFrame)
	}
	state := make([]byte, len(payload)-read)
	copy(state, payload[read:])
	return AwarenessUpdate{ClientID: clientID, State: state}, nil
}
