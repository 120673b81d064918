package imager

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apartd/apartd/pkg/alog"
)

// EventKind discriminates an Event.
type EventKind int

const (
	EventRunning EventKind = iota
	EventSynced
	EventFailed
)

// Event is one step of the imager's progress stream. At most one
// terminal event (EventSynced xor EventFailed) is ever emitted, and
// EventSynced never coexists with a later event. Complete may revisit
// values and reaching 1.0 is not itself completion — only EventSynced
// is.
type Event struct {
	Kind            EventKind
	Complete        float64
	Rate            string
	EstimatedFinish time.Time
	Finish          time.Time
}

var (
	progressRe = regexp.MustCompile(`Remaining:\s*(\d{2,}:\d{2}:\d{2}), Completed:\s*(\d{1,3}\.?\d?\d?)%,\s*R?a?t?e?:?\s*([0-9][^,]+)`)
	durationRe = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})$`)
)

const tailSize = 4

func parseDuration(s string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	hours, errH := strconv.ParseInt(m[1], 10, 64)
	minutes, errM := strconv.ParseInt(m[2], 10, 64)
	seconds, errS := strconv.ParseInt(m[3], 10, 64)
	if errH != nil || errM != nil || errS != nil {
		return 0, false
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second, true
}

// ReadProgress consumes the imager's stderr line by line and sends
// Running/Synced/Failed events to out: lines before the first
// "File system:" are discarded, progress lines matching progressRe
// become Running events, a "Syncing... OK!" line marks synced, and
// stream EOF emits the single terminal event. If ctx is cancelled (the
// job was dropped), the worker stops sending and returns quietly.
func ReadProgress(ctx context.Context, stderr io.Reader, out chan<- Event) {
	scanner := bufio.NewScanner(stderr)

	startedMainOutput := false
	synced := false
	var tail []string

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		tail = append(tail, line)
		if len(tail) > tailSize {
			tail = tail[1:]
		}

		alog.Debug("partclone: %v", line)

		if !startedMainOutput {
			if strings.HasPrefix(line, "File system:") {
				startedMainOutput = true
			}
			continue
		}

		if synced {
			continue
		}

		for _, cap := range progressRe.FindAllStringSubmatch(line, -1) {
			remaining, ok := parseDuration(cap[1])
			if !ok {
				continue
			}
			complete, err := strconv.ParseFloat(cap[2], 64)
			if err != nil {
				continue
			}

			ev := Event{
				Kind:            EventRunning,
				Complete:        complete / 100.0,
				Rate:            cap[3],
				EstimatedFinish: time.Now().Add(remaining),
			}
			if !send(ev) {
				// cancelled mid-stream: exit quietly
				return
			}
		}

		if strings.Contains(line, "Syncing... OK!") {
			synced = true
		}
	}

	if synced {
		send(Event{Kind: EventSynced, Finish: time.Now()})
		return
	}

	for _, l := range tail {
		alog.Error("partclone-failed: %v", l)
	}
	send(Event{Kind: EventFailed, Finish: time.Now()})
}
