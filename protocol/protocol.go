// Package protocol implements the newline-delimited JSON framing used on the
// onboard daemon socket.
//
// One frame is one JSON object terminated by a single '\n'. Because the
// delimiter is the newline itself, a corrupt frame never desynchronizes the
// stream: the reader drops the bad line and picks up again at the next one.
//
// Frame format, both directions:
//
//	{"request_id": <uint32>, "type": "<variant>", ...variant fields...}'\n'
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Mstrodl/devcaders/message"
)

// MaxFrameSize bounds a single inbound line. The daemon's largest payload is
// an NFC user record, well under this.
const MaxFrameSize = 1 << 20

// Delimiter terminates every frame.
const Delimiter = '\n'

// EncodeRequest serializes (id, body) into one complete frame including the
// trailing delimiter, ready for a single write.
func EncodeRequest(id uint32, body message.RequestBody) ([]byte, error) {
	if body.Type == "" {
		return nil, fmt.Errorf("encode request %d: empty body type", id)
	}
	frame, err := json.Marshal(message.Request{RequestID: id, RequestBody: body})
	if err != nil {
		return nil, fmt.Errorf("encode request %d: %w", id, err)
	}
	return append(frame, Delimiter), nil
}

// ParseResponse decodes one inbound line into a Response. The line must be a
// JSON object carrying a "type" field; the trailing delimiter may be present
// or already stripped.
func ParseResponse(line []byte) (*message.Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("parse response: empty line")
	}
	var resp message.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Type == "" {
		return nil, fmt.Errorf("parse response: missing type field")
	}
	return &resp, nil
}
