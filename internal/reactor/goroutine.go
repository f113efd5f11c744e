package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineMarker returns a process-unique id for the calling goroutine.
// Go deliberately doesn't expose this, but the core needs it for one
// narrow purpose: detecting whether Client.Shutdown/RunInThread is being
// re-entered from the reactor goroutine itself (spec §4.1's "submission
// from the reactor thread itself is legal" and the shutdown-from-reactor
// detach case). No third-party library in the example corpus provides
// goroutine-id introspection, so this falls back to the standard,
// narrowly-scoped trick of parsing the header line of runtime.Stack's
// output — see DESIGN.md.
func goroutineMarker() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:\n..."
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return -1
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(b[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
