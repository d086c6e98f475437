// Package dispatch is the command dispatch and result aggregation engine.
//
// A publish call resolves devices and orgs into a concrete device set
// (Resolver), registers the request (Registry), and sends the command over
// a transport (Channel). Devices reply asynchronously; the Collector matches
// each reply to its request by id and records it. A results call waits on
// the request's entry until every awaited device has replied or the timeout
// elapses, and returns whatever arrived. Partial results are not errors.
//
// Request lifecycle:
//
//	created → dispatched → partial… → complete
//	                 any state → expired (after the retention TTL)
//
// Expired and never-issued ids are indistinguishable: both yield
// ErrUnknownRequest. The first reply from a device wins; duplicates are
// logged and counted.
//
// # Usage
//
//	registry := dispatch.NewRegistry(dispatch.RegistryOptions{TTL: 24 * time.Hour})
//	go registry.Run(ctx, time.Minute)
//
//	collector := dispatch.NewCollector(registry, logger)
//	go collector.Run(ctx, channel.Replies())
//
//	engine := dispatch.NewEngine(dispatch.NewResolver(dir, dispatch.ResolverOptions{}),
//	    registry, channel, dispatch.EngineOptions{})
//	rs, err := engine.Publish(ctx, dispatch.PublishRequest{
//	    Command: "uptime",
//	    Targets: dispatch.TargetSpec{Devices: []string{"acu-1", "acu-2"}},
//	})
package dispatch
