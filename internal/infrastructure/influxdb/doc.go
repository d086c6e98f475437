// Package influxdb records dispatch telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Two measurements
// are written:
//
//	dispatch        one point per published request (command, outcome, devices)
//	dispatch_reply  one point per accepted reply (device_id, outcome, latency_ms)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { logger.Warn("telemetry write failed", "error", err) })
//	client.WriteReply(requestID, "acu-17", false, 840*time.Millisecond, time.Now())
package influxdb
