// Package mqtt provides the bridge's MQTT broker connection.
//
// It wraps paho.mqtt.golang with:
//   - auto-reconnect with backoff and subscription restore
//   - a retained online/offline status topic backed by a Last Will
//   - publish and subscribe validation (topic, QoS, payload size)
//   - panic recovery around message handlers
//
// Topics builds the accessory topic tree used by the MQTT exposure adapter
// in internal/bridges/mqttexpose.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllSets(), 1, func(topic string, payload []byte) error {
//	    in, ok := topics.ParseInbound(topic)
//	    ...
//	})
package mqtt
