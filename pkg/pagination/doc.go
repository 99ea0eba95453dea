// Package pagination implements the cursor walk over a chained-pagination
// orchestrator collection.
//
// The orchestrator's nextPageLink protocol is strictly chained: the token
// for page N+1 arrives only in the response for page N. That dependency
// is an inherent ordering constraint, so a single walk is serial with a
// look-ahead window of one in-flight request. Concurrency comes from two
// other places: the persist writer runs on its own goroutine and never
// blocks the next fetch's wall-clock start, and the pipeline may split
// the collection window into independent sub-windows, each walked by its
// own Walker (see pkg/pipeline).
//
// The walker owns the sequence-number counter: sequence numbers are
// unique, contiguous from 0, and assigned at request creation, never by
// arrival order.
//
// Example usage:
//
//	walker := pagination.NewWalker(client, endpoint, pagination.Config{MaxPages: 10000})
//	out := make(chan pagination.Batch, 4)
//	go func() {
//		defer close(out)
//		err = walker.Walk(ctx, out)
//	}()
//	for batch := range out { ... }
package pagination
