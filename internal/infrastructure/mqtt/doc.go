// Package mqtt provides MQTT client connectivity for the dispatch channel.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees
//   - Wildcard subscriptions restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Topic layout
//
//	{prefix}/device/{device}/command   dispatchd → device
//	{prefix}/device/{device}/reply     device → dispatchd
//	{prefix}/system/status             retained online/offline status
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllDeviceReplies(), 1, handleReply)
//	err = client.Publish(ctx, client.Topics().DeviceCommand("acu-17"), payload, 1, false)
package mqtt
