// Package archive persists dispatched requests and device results to
// SQLite for history queries that outlive the in-memory registry.
//
// The archive is written asynchronously by Recorder, which is registered
// as a dispatch.Observer on the engine and the collector:
//
//	repo := archive.NewSQLiteRepository(db.DB)
//	rec := archive.NewRecorder(repo, 0, logger)
//	go rec.Run(ctx)
//	engine := dispatch.NewEngine(resolver, registry, channel, opts, rec)
//	collector := dispatch.NewCollector(registry, logger, rec)
//
// Status in the archive moves from dispatched to partial to complete as
// results are saved. Requests whose devices never all reply stay partial.
package archive
