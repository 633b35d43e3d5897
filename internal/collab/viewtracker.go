package collab

// NullViewTracker discards every call. View tracking beyond a no-op is out
// of scope here; this satisfies scheduler.ViewTracker
// for runs that have nothing listening for swap events.
type NullViewTracker struct{}

func (NullViewTracker) SignalSwap(postID int32, filepath string) {}
func (NullViewTracker) Stop()                                    {}
func (NullViewTracker) Pause()                                   {}
func (NullViewTracker) Resume()                                  {}
