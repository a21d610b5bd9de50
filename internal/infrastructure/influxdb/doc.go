// Package influxdb records accessory state history in InfluxDB.
//
// It wraps influxdb-client-go v2 with connection management, batched
// non-blocking writes and health checks. Every cached-state transition of
// the platform becomes one "accessory_state" point, so device history can
// be graphed next to other home telemetry.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteAccessoryState("Lamp", "Lightbulb", "set", true, time.Now())
//
// Write failures are asynchronous and reported through SetOnError.
package influxdb
