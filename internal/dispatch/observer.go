package dispatch

// Observer is told about every published request and accepted result.
// Calls happen on the publish path and the collector goroutine, so
// implementations must return quickly and do slow work elsewhere.
type Observer interface {
	RequestPublished(req Request)
	ResultRecorded(req Request, result Result)
}

// notify runs fn, logging instead of propagating a panic.
func notify(logger Logger, requestID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("observer panic recovered", "request_id", requestID, "panic", r)
		}
	}()
	fn()
}
