package collab

import (
	"log"
	"sync"

	"github.com/fabkury/p3a/internal/scheduler"
)

// NullRenderer discards every call. Useful for tests and any run where
// nothing is attached to the picture frame's display.
type NullRenderer struct{}

func (NullRenderer) SetChannelMessage(channelName string, kind scheduler.MessageKind, percent int, detail string) {
}
func (NullRenderer) IsAnimationReady() bool { return true }

// LogRenderer logs what a real renderer would draw, standing in for the
// excluded rendering pipeline. IsAnimationReady
// defaults true and can be toggled with SetAnimationReady, e.g. by a test
// simulating the display warming up.
type LogRenderer struct {
	mu    sync.Mutex
	ready bool
}

// NewLogRenderer constructs a LogRenderer with IsAnimationReady true.
func NewLogRenderer() *LogRenderer {
	return &LogRenderer{ready: true}
}

func (r *LogRenderer) SetChannelMessage(channelName string, kind scheduler.MessageKind, percent int, detail string) {
	log.Printf("renderer: channel=%s kind=%d percent=%d detail=%q", channelName, kind, percent, detail)
}

// SetAnimationReady flips the readiness the renderer reports.
func (r *LogRenderer) SetAnimationReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
}

func (r *LogRenderer) IsAnimationReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}
