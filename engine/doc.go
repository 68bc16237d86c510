// Package engine assembles the cache into one explicitly constructed
// service.
//
// An Engine owns a bounded store, a coalescing group, a breaker registry,
// the refresh controller, the invalidation index, the metrics collector and
// the health aggregator. Nothing is process-global: callers construct an
// Engine from a config.Config and pass it to whatever needs it.
//
//	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer eng.Close(context.Background())
//
//	v, err := eng.GetWithRefresh(ctx, "acme:billing.invoice:42", time.Minute, fetchInvoice)
//
// When persistence is configured the engine restores the last snapshot on
// start, saves periodically, and saves once more on Close.
package engine
