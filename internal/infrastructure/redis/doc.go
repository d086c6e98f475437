// Package redis provides the Redis connection used to cache directory
// lookups across dispatchd instances.
//
// Values are stored as JSON string lists under caller-supplied keys with
// a TTL; a missing key is reported as a miss, not an error.
//
// # Usage
//
//	client, err := redis.Connect(ctx, cfg.Redis)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
package redis
