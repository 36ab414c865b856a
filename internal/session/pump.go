package session

import (
	"bufio"
	"io"

	"go.uber.org/zap"
)

// pump drains r one rune at a time into out until r fails or hits EOF.
// done is closed when the pump returns. Errors are not propagated: liveness
// is judged by the manager polling the process, not by the pump.
func pump(log *zap.SugaredLogger, stream string, r io.Reader, out *Queue[rune], done chan<- struct{}) {
	defer close(done)

	br := bufio.NewReader(r)
	count := 0
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if err != io.EOF {
				log.Debugw("pump read error", "stream", stream, "error", err)
			}
			log.Debugw("pump finished", "stream", stream, "runes", count)
			return
		}
		out.Push(ch)
		count++
	}
}
