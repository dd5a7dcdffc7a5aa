package cache

import (
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/monitor"
)

// DefaultTurns is the reply delay that puts a reply behind the
// notification the backend emitted just before it.
const DefaultTurns = 2

// BufferedSender delays reply completion by a fixed number of executor
// turns. Notifications reach services one dispatch hop after they are
// read, replies reach callers directly; delaying replies makes a reply
// observe the effect of every notification that preceded it on the stream.
type BufferedSender struct {
	exec  *executor.Executor
	inner command.Sender
	turns int
}

// NewBufferedSender wraps inner. Turns below one use DefaultTurns.
func NewBufferedSender(exec *executor.Executor, inner command.Sender, turns int) *BufferedSender {
	if turns < 1 {
		turns = DefaultTurns
	}
	return &BufferedSender{exec: exec, inner: inner, turns: turns}
}

// Send forwards cmd and completes rm turns executor turns after the reply.
func (b *BufferedSender) Send(cmd command.Command, rm *monitor.DataRequestMonitor[*command.Reply]) {
	drm := monitor.NewData[*command.Reply](b.exec, nil)
	drm.OnDone(func(err error) {
		reply := drm.Data()
		forward := func() {
			if err != nil {
				rm.DoneWith(err)
				return
			}
			rm.DoneData(reply)
		}
		if qerr := b.exec.ExecuteAfterTurns(b.turns, forward); qerr != nil {
			forward()
		}
	})
	b.inner.Send(cmd, drm)
}
