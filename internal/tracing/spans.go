package tracing

// Span attribute keys shared across the orchestrator and workers.
const (
	AttrJobID      = "job.id"
	AttrJobService = "job.service"
	AttrJobAction  = "job.action"
	AttrJobTrigger = "job.trigger"
	AttrUserNpub   = "user.npub"

	AttrTimerType   = "timer.type"
	AttrTimerTarget = "timer.target"

	AttrWorkerSlots = "worker.slots"

	AttrUpstreamPath   = "upstream.path"
	AttrUpstreamMethod = "upstream.method"
)

// Span name prefixes, kept consistent so traces group cleanly.
const (
	SpanPrefixTimer    = "timer.fire."
	SpanPrefixUpstream = "upstream."
	SpanPrefixWorker   = "worker."
)
