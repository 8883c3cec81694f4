package relay

import "errors"

// ErrCanceled is delivered to the sink when a stream is cancelled before it
// reached a natural end.
var ErrCanceled = errors.New("stream canceled")

// Sink is somewhere to push tokens, a final result or an error. Implementations
// may be any push transport (server-sent events, WebSocket, raw socket).
//
// The relay calls SendToken zero or more times, then exactly one of SendFinal
// or SendError, then Close.
type Sink interface {
	SendToken(token string) error
	SendFinal(result any) error
	SendError(err error) error
	Close() error
}

// Aborter is implemented by sinks that can be torn down while a send is
// blocked. A canceled consumer still stuck on such a sink after its grace
// period aborts it with ErrCanceled.
type Aborter interface {
	Abort(err error)
}

// Activity receives a touch each time a stream successfully delivered tokens.
// The heartbeat monitor implements it.
type Activity interface {
	Touch(id string)
}

// Recorder observes consumer events. The metrics collector implements it.
type Recorder interface {
	Flushed(bytes int)
	MalformedLine()
	Finished(state State)
}

type nopRecorder struct{}

func (nopRecorder) Flushed(int) {}
func (nopRecorder) MalformedLine() {}
func (nopRecorder) Finished(State) {}

type nopActivity struct{}

func (nopActivity) Touch(string) {}
