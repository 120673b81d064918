// Package restorejob builds and drives the reader→decompressor→imager
// pipeline that writes a stored image back onto a block device.
package restorejob

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gofrs/uuid"

	"github.com/apartd/apartd/internal/compression"
	"github.com/apartd/apartd/internal/imager"
	"github.com/apartd/apartd/internal/procutil"
)

// StatusKind discriminates a Status emitted by TryRecv.
type StatusKind int

const (
	StatusRunning StatusKind = iota
	StatusFinished
	StatusFailed
)

// Status is one outbound progress step of a restore job.
type Status struct {
	Kind            StatusKind
	Complete        float64
	Syncing         bool
	Rate            string
	EstimatedFinish time.Time
	Finish          time.Time
	Reason          string
}

// Terminal reports whether Kind ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s.Kind == StatusFinished || s.Kind == StatusFailed
}

// Job is one in-flight restore: `cat source` feeding a decompressor
// feeding the imager, writing directly onto the destination device.
type Job struct {
	ID          uuid.UUID
	Source      string
	Destination string
	StartTime   time.Time

	readerChild       *procutil.Child
	decompressorChild *procutil.Child
	imagerChild       *procutil.Child
	events            <-chan imager.Event

	cancel context.CancelFunc

	sentFirstMsg bool
	terminal     bool
}

// New constructs a restore job: resolves the imager variant from the
// source image's file name, and spawns the three-stage pipeline with each
// stage's stdout piped to the next stage's stdin.
func New(source, destination string) (*Job, error) {
	variant, ok := imager.VariantFromImageName(source)
	if !ok {
		return nil, fmt.Errorf("%v is not a valid image name", source)
	}

	z, ok := compression.FromFileName(source)
	if !ok {
		return nil, fmt.Errorf("%v has no recognised compression extension", source)
	}

	imagerPath, err := imager.Resolve(variant)
	if err != nil {
		return nil, fmt.Errorf("resolving imager: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	j := &Job{
		ID:          id,
		Source:      source,
		Destination: destination,
		StartTime:   time.Now().UTC(),
	}

	if err := j.spawn(imagerPath, variant, z); err != nil {
		return nil, err
	}

	return j, nil
}

// spawn wires the three-stage pipeline with explicit pipes rather than
// exec's managed StdoutPipe/StderrPipe; see clonejob for why (procutil's
// reaper Waits immediately, and Wait closes Cmd-created pipe ends as
// soon as that child exits). Parent copies are closed as each hop is
// handed off.
func (j *Job) spawn(imagerPath, variant string, z compression.Descriptor) error {
	rawR, rawW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("reader pipe: %w", err)
	}
	decR, decW, err := os.Pipe()
	if err != nil {
		rawR.Close()
		rawW.Close()
		return fmt.Errorf("decompressor pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		rawR.Close()
		rawW.Close()
		decR.Close()
		decW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	closeAll := func(files ...*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	readerCmd := exec.Command("cat", j.Source)
	readerCmd.Stdout = rawW
	if err := readerCmd.Start(); err != nil {
		closeAll(rawR, rawW, decR, decW, stderrR, stderrW)
		return fmt.Errorf("starting reader: %w", err)
	}
	rawW.Close()
	j.readerChild = procutil.Track("reader", readerCmd)

	decompressorCmd := exec.Command(z.Command, z.ReadArgs...)
	decompressorCmd.Stdin = rawR
	decompressorCmd.Stdout = decW
	if err := decompressorCmd.Start(); err != nil {
		closeAll(rawR, decR, decW, stderrR, stderrW)
		j.readerChild.KillAndReap()
		return fmt.Errorf("starting decompressor: %w", err)
	}
	rawR.Close()
	decW.Close()
	j.decompressorChild = procutil.Track("decompressor", decompressorCmd)

	var imagerArgs []string
	if variant != imager.DD {
		imagerArgs = append(imagerArgs, "-r")
	}
	imagerArgs = append(imagerArgs, "-o", j.Destination)

	imagerCmd := exec.Command(imagerPath, imagerArgs...)
	imagerCmd.Stdin = decR
	imagerCmd.Stderr = stderrW
	if err := imagerCmd.Start(); err != nil {
		closeAll(decR, stderrR, stderrW)
		j.decompressorChild.KillAndReap()
		j.readerChild.KillAndReap()
		return fmt.Errorf("starting imager: %w", err)
	}
	decR.Close()
	stderrW.Close()
	j.imagerChild = procutil.Track("imager", imagerCmd)

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	events := make(chan imager.Event, 8)
	j.events = events
	go func() {
		defer stderrR.Close()
		imager.ReadProgress(ctx, stderrR, events)
	}()

	return nil
}

// TryRecv advances the job's state machine by at most one step and never
// blocks. The boolean result reports whether a status is available this
// call; false means "try again next iteration".
func (j *Job) TryRecv() (Status, bool) {
	if j.terminal {
		return Status{}, false
	}

	if !j.sentFirstMsg {
		j.sentFirstMsg = true
		return Status{Kind: StatusRunning, Complete: 0}, true
	}

	select {
	case ev := <-j.events:
		switch ev.Kind {
		case imager.EventRunning:
			complete := ev.Complete
			syncing := complete > 0.9999
			if complete > 0.9999 {
				complete = 0.9999
			}
			return Status{
				Kind:            StatusRunning,
				Complete:        complete,
				Syncing:         syncing,
				Rate:            ev.Rate,
				EstimatedFinish: ev.EstimatedFinish,
			}, true
		case imager.EventSynced:
			j.terminal = true
			return Status{Kind: StatusFinished, Complete: 1.0, Finish: ev.Finish}, true
		case imager.EventFailed:
			j.terminal = true
			return Status{Kind: StatusFailed, Reason: "Failed", Finish: ev.Finish}, true
		}
		return Status{}, false
	default:
		return Status{}, false
	}
}

// Destroy kills and reaps all three children. Safe to call exactly once,
// from the event loop, when the job is removed from its registry.
func (j *Job) Destroy() {
	if j.cancel != nil {
		j.cancel()
	}
	if j.imagerChild != nil {
		j.imagerChild.KillAndReap()
	}
	if j.decompressorChild != nil {
		j.decompressorChild.KillAndReap()
	}
	if j.readerChild != nil {
		j.readerChild.KillAndReap()
	}
}
