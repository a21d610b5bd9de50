package mqttexpose

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/shellbridge/internal/accessory"
)

// BridgeMessage identifies the bridge hosting the accessories.
// Topic: {prefix}/bridge/config
// QoS: configured, Retained: Yes
type BridgeMessage struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Version      string `json:"version,omitempty"`
	Accessories  int    `json:"accessories"`
}

// AccessoryMessage describes one accessory.
// Topic: {prefix}/accessory/{id}/config
// QoS: configured, Retained: Yes
type AccessoryMessage struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	UUID            string                     `json:"uuid"`
	Type            accessory.Type             `json:"type"`
	Origin          accessory.Origin           `json:"origin,omitempty"`
	Link            string                     `json:"link,omitempty"`
	Characteristics []accessory.Characteristic `json:"characteristics"`
	MinValue        float64                    `json:"min_value"`
	MaxValue        float64                    `json:"max_value"`
	Manufacturer    string                     `json:"manufacturer,omitempty"`
	Model           string                     `json:"model,omitempty"`
	Serial          string                     `json:"serial,omitempty"`
}

func newAccessoryMessage(id string, info accessory.Snapshot) AccessoryMessage {
	msg := AccessoryMessage{
		ID:           id,
		Name:         info.Name,
		UUID:         info.UUID,
		Type:         info.Type,
		Origin:       info.Origin,
		Link:         info.Link,
		MinValue:     info.MinValue,
		MaxValue:     info.MaxValue,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Serial:       info.Serial,
	}
	if info.Capability != nil {
		msg.Characteristics = info.Capability.Characteristics
	}
	return msg
}

// FlagMessage carries a boolean accessory flag.
// Topics: {prefix}/accessory/{id}/service and {prefix}/accessory/{id}/reachable
type FlagMessage struct {
	Value     bool      `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ValueMessage carries a characteristic value.
// Topic: {prefix}/accessory/{id}/char/{kind}
type ValueMessage struct {
	Value     accessory.Value `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// RequestMessage is the optional envelope of a set or get request. A set
// may also carry a bare JSON value ("true", "42", "\"on\"") or plain text.
type RequestMessage struct {
	RequestID string          `json:"request_id,omitempty"`
	Value     accessory.Value `json:"value,omitempty"`
}

// ResponseMessage answers a request that carried a request_id.
// Topic: {prefix}/response/{request_id}
type ResponseMessage struct {
	RequestID      string                       `json:"request_id"`
	Accessory      string                       `json:"accessory"`
	Characteristic accessory.CharacteristicKind `json:"characteristic,omitempty"`
	OK             bool                         `json:"ok"`
	Value          accessory.Value              `json:"value,omitempty"`
	Error          string                       `json:"error,omitempty"`
	Timestamp      time.Time                    `json:"timestamp"`
}

// parseRequest reads a request payload. explicit reports whether the
// sender supplied the request id.
func parseRequest(payload []byte) (req RequestMessage, explicit bool) {
	if len(payload) == 0 {
		return req, false
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err == nil {
		if raw, ok := envelope["request_id"]; ok {
			explicit = json.Unmarshal(raw, &req.RequestID) == nil && req.RequestID != ""
		}
		if raw, ok := envelope["value"]; ok {
			req.Value = decodeValue(raw)
		}
		return req, explicit
	}

	req.Value = decodeValue(payload)
	return req, false
}

// decodeValue turns a JSON scalar into a state value. Anything that is not
// valid JSON is treated as a plain string.
func decodeValue(raw []byte) accessory.Value {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
