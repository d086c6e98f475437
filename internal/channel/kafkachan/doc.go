// Package kafkachan implements dispatch.Channel over Kafka.
//
// Every command is written to the command topic once per target device,
// keyed by device id so a device's commands stay on one partition and in
// order. Devices write replies to the reply topic keyed by their own id.
package kafkachan
