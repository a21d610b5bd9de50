// Package mqttexpose exposes platform accessories over MQTT.
//
// Every accessory gets a retained topic subtree under the configured prefix:
//
//	{prefix}/accessory/{id}/config           accessory description (JSON)
//	{prefix}/accessory/{id}/service          {"value": true} while exposed
//	{prefix}/accessory/{id}/reachable        {"value": false} when unreachable
//	{prefix}/accessory/{id}/char/{kind}      {"value": ...} last pushed value
//
// Controllers write to:
//
//	{prefix}/accessory/{id}/char/{kind}/set  value or {"value": ..., "request_id": "..."}
//	{prefix}/accessory/{id}/char/{kind}/get  empty or {"request_id": "..."}
//	{prefix}/accessory/{id}/identify
//
// A request that carries request_id is answered on {prefix}/response/{request_id}.
// Set answers arrive within the platform's set timeout even when the device
// command is still running.
package mqttexpose
