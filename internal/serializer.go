// Package internal holds helpers shared by the transport adapters.
package internal

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
)

// Marshal turns a publish payload into a message body.
// Bytes and strings pass through, protobuf messages use the wire format and anything else is JSON.
func Marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		return proto.Marshal(v)
	default:
		return json.Marshal(payload)
	}
}
