package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key   string `json:"key,omitempty"`   // Used for: Set, Get, Has, Delete, RMW
	Value []byte `json:"value,omitempty"` // Used for: Set (request), Get (response), RMW (request)

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // Used for: Get, Has responses
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Unused, can be used for additional Adapters
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewSetRequest creates a new Set request.
func NewSetRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVSet,
		Key:     key,
		Value:   value,
	}
}

// NewSetResponse creates a new Set response.
func NewSetResponse(err error) *Message {
	msg := &Message{MsgType: MsgTKVSet}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewDeleteRequest creates a new Delete request.
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response.
func NewDeleteResponse(err error) *Message {
	msg := &Message{MsgType: MsgTKVDelete}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewGetRequest creates a new Get request.
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response.
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Ok:      ok,
		Value:   value,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewHasRequest creates a new Has request.
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewHasResponse creates a new Has response.
func NewHasResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVHas,
		Ok:      ok,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewRMWRequest creates a new RMW request. Value carries the merge delta;
// the server-side MergeFunc registered for the store interprets it against
// the key's current value.
func NewRMWRequest(key string, delta []byte) *Message {
	return &Message{
		MsgType: MsgTKVRMW,
		Key:     key,
		Value:   delta,
	}
}

// NewRMWResponse creates a new RMW response.
func NewRMWResponse(err error) *Message {
	msg := &Message{MsgType: MsgTKVRMW}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewCustomRequest creates a new Custom request.
func NewCustomRequest(meta []byte) *Message {
	return &Message{
		MsgType: MsgTCustom,
		Meta:    meta,
	}
}

// NewCustomResponse creates a new Custom response.
func NewCustomResponse(meta []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTCustom,
		Meta:    meta,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response.
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVSet:
		return "set"
	case MsgTKVDelete:
		return "delete"
	case MsgTKVGet:
		return "get"
	case MsgTKVHas:
		return "has"
	case MsgTKVRMW:
		return "rmw"
	case MsgTCustom:
		return "custom"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "set":
		*t = MsgTKVSet
	case "delete":
		*t = MsgTKVDelete
	case "get":
		*t = MsgTKVGet
	case "has":
		*t = MsgTKVHas
	case "rmw":
		*t = MsgTKVRMW
	case "custom":
		*t = MsgTCustom
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Store operations

	MsgTKVSet    // Upsert a key-value pair
	MsgTKVDelete // Delete a key-value pair
	MsgTKVGet    // Read a value by key
	MsgTKVHas    // Check whether a key resolves to a live record
	MsgTKVRMW    // Read-modify-write a key against a registered MergeFunc

	// Custom operations

	MsgTCustom // Custom operation type
)
