package protocol

import (
	"encoding/json"
	"fmt"
)

type errorPayload struct {
	Error string `json:"error"`
}

// EncodeServer renders one outgoing message to its wire frame. Optional
// inner values encode as null, never as a wrapper object.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case ConnectionAck:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TypeConnectionAck})
	case KeepAlive:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TypeKeepAlive})
	case ConnectionError:
		return json.Marshal(struct {
			Type    string       `json:"type"`
			Payload errorPayload `json:"payload"`
		}{TypeConnectionError, errorPayload{m.Message}})
	case Data:
		return json.Marshal(struct {
			Type    string `json:"type"`
			ID      string `json:"id"`
			Payload any    `json:"payload"`
		}{TypeData, m.ID, m.Payload})
	case OperationError:
		return json.Marshal(struct {
			Type    string       `json:"type"`
			ID      string       `json:"id"`
			Payload errorPayload `json:"payload"`
		}{TypeError, m.ID, errorPayload{m.Message}})
	case Complete:
		return json.Marshal(struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}{TypeComplete, m.ID})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}
