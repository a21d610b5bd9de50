package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementState = "accessory_state"
)

// WriteAccessoryState records one cached-state transition.
//
// Tags are the accessory name, its type and the path that produced the
// change (poll, set, get, probe, correlate). Numeric and boolean states are
// written to the float field "value" (booleans as 1 or 0) so they can be
// graphed; string states go to the field "text". A nil state writes nothing.
//
// Example:
//
//	client.WriteAccessoryState("Garage Door", "Door", "poll", int64(1), time.Now())
func (c *Client) WriteAccessoryState(name, accessoryType, source string, value any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	point, ok := statePoint(name, accessoryType, source, value, ts)
	if !ok {
		return
	}
	c.writeAPI.WritePoint(point)
}

func statePoint(name, accessoryType, source string, value any, ts time.Time) (*write.Point, bool) {
	fields := stateFields(value)
	if fields == nil {
		return nil, false
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurementState,
		map[string]string{
			"accessory": name,
			"type":      accessoryType,
			"source":    source,
		},
		fields,
		ts,
	), true
}

func stateFields(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		f := 0.0
		if v {
			f = 1
		}
		return map[string]any{"value": f}
	case int:
		return map[string]any{"value": float64(v)}
	case int64:
		return map[string]any{"value": float64(v)}
	case float64:
		return map[string]any{"value": v}
	case string:
		return map[string]any{"text": v}
	default:
		return nil
	}
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
