// Package linkctx merges several parent contexts into one child that is
// cancelled the moment any parent is. context.Context only supports a
// single parent natively, but the command pipeline routinely needs to
// cancel on whichever of {per-command cancel, per-call timeout, session
// shutdown} fires first, so this small helper spawns a single watcher
// goroutine per merge instead of re-deriving the pattern at each call
// site.
package linkctx

import "context"

// Merge returns a context cancelled when ctx is cancelled, when any of
// extra is cancelled, or when the caller invokes the returned cancel
// function. The returned cancel function must be called once the merged
// context is no longer needed, or the watcher goroutine leaks until one of
// the parents fires on its own.
func Merge(ctx context.Context, extra ...context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	if len(extra) == 0 {
		return merged, cancel
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		watchAny(merged, extra)
	}()
	go func() {
		<-done
		cancel()
	}()

	return merged, cancel
}

// watchAny blocks until merged or any context in extra is done. Up to three
// extras are watched by a fixed select rather than reflect.Select, which
// would be overkill for this fan-in; any extras past the third are watched
// by a nested watcher.
func watchAny(merged context.Context, extra []context.Context) {
	switch len(extra) {
	case 0:
		<-merged.Done()
	case 1:
		select {
		case <-merged.Done():
		case <-extra[0].Done():
		}
	case 2:
		select {
		case <-merged.Done():
		case <-extra[0].Done():
		case <-extra[1].Done():
		}
	default:
		rest, cancelRest := context.WithCancel(merged)
		defer cancelRest()
		go func() {
			watchAny(rest, extra[3:])
			cancelRest()
		}()
		select {
		case <-rest.Done():
		case <-extra[0].Done():
		case <-extra[1].Done():
		case <-extra[2].Done():
		}
	}
}
