// Package message defines the request and response bodies exchanged with the
// onboard daemon.
//
// Bodies are internally tagged: every frame carries a "type" field naming the
// variant, and the variant's fields sit flat in the same JSON object next to
// the request id. The reserved "error" variant is the daemon's way of failing
// a single request without tearing down the connection.
package message

import (
	"fmt"
	"reflect"
)

// Player identifies one of the two control panels on the cabinet.
type Player string

const (
	PlayerOne Player = "P1"
	PlayerTwo Player = "P2"
)

// Request body types.
const (
	TypePing       = "ping"
	TypeGetNfcTag  = "get_nfc_tag"
	TypeGetNfcUser = "get_nfc_user"
)

// Response body types.
const (
	TypeError   = "error"
	TypePong    = "pong"
	TypeNfcTag  = "nfc_tag"
	TypeNfcUser = "nfc_user"
)

// RequestBody carries the data for one outbound command.
// Only the fields of the variant named by Type are set.
type RequestBody struct {
	Type          string `json:"type"`
	Player        Player `json:"player,omitempty"`
	AssociationID string `json:"association_id,omitempty"`
}

// Ping builds a liveness probe request.
func Ping() RequestBody {
	return RequestBody{Type: TypePing}
}

// GetNfcTag builds a request for the tag currently on the given player's reader.
func GetNfcTag(player Player) RequestBody {
	return RequestBody{Type: TypeGetNfcTag, Player: player}
}

// GetNfcUser builds a request resolving an NFC association id to its user record.
func GetNfcUser(associationID string) RequestBody {
	return RequestBody{Type: TypeGetNfcUser, AssociationID: associationID}
}

func (b RequestBody) String() string {
	switch b.Type {
	case TypeGetNfcTag:
		return fmt.Sprintf("%s(%s)", b.Type, b.Player)
	case TypeGetNfcUser:
		return fmt.Sprintf("%s(%s)", b.Type, b.AssociationID)
	default:
		return b.Type
	}
}

// ResponseBody carries the data for one inbound reply.
// Type == TypeError marks the reserved error variant; Message holds the
// daemon-supplied reason. Any other Type is a success variant.
type ResponseBody struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	TagID   *string        `json:"tag_id,omitempty"`
	User    map[string]any `json:"user,omitempty"`
}

// IsError reports whether the body is the reserved error variant.
func (b ResponseBody) IsError() bool {
	return b.Type == TypeError
}

// Equal reports structural equality of two bodies, including the user record.
func (b ResponseBody) Equal(other ResponseBody) bool {
	return reflect.DeepEqual(b, other)
}

func (b ResponseBody) String() string {
	switch b.Type {
	case TypeError:
		return fmt.Sprintf("%s(%s)", b.Type, b.Message)
	case TypeNfcTag:
		if b.TagID == nil {
			return b.Type + "(none)"
		}
		return fmt.Sprintf("%s(%s)", b.Type, *b.TagID)
	case TypeNfcUser:
		return fmt.Sprintf("%s(%v)", b.Type, b.User)
	default:
		return b.Type
	}
}

// Request is the outbound frame envelope: the body's fields flattened next to
// the request id.
type Request struct {
	RequestID uint32 `json:"request_id"`
	RequestBody
}

// Response is the inbound frame envelope.
type Response struct {
	RequestID uint32 `json:"request_id"`
	ResponseBody
}
