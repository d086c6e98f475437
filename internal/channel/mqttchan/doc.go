// Package mqttchan implements dispatch.Channel over MQTT.
//
// Commands are published to {prefix}/device/{device}/command, one message
// per target. Replies are read from the {prefix}/device/+/reply wildcard;
// the device segment of the topic identifies the sender when the payload
// omits deviceId.
package mqttchan
