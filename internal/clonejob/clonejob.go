// Package clonejob builds and drives the imager→compressor→file pipeline
// that backs a single clone request, and owns its in-progress destination
// file for as long as the job is live.
package clonejob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"

	"github.com/apartd/apartd/internal/blockdev"
	"github.com/apartd/apartd/internal/compression"
	"github.com/apartd/apartd/internal/imager"
	"github.com/apartd/apartd/internal/procutil"
	"github.com/apartd/apartd/pkg/alog"
)

// StatusKind discriminates a Status emitted by TryRecv.
type StatusKind int

const (
	StatusRunning StatusKind = iota
	StatusSyncing
	StatusFinished
	StatusFailed
)

// Status is one outbound progress step of a clone job.
type Status struct {
	Kind            StatusKind
	Complete        float64
	Rate            string
	EstimatedFinish time.Time
	Finish          time.Time
	ImageSize       int64
	Reason          string
}

// Terminal reports whether Kind ends the job's lifecycle.
func (s Status) Terminal() bool {
	return s.Kind == StatusFinished || s.Kind == StatusFailed
}

const timestampLayout = "2006-01-02T1504"

type renameOutcome struct {
	size int64
	err  error
}

// Job is one in-flight clone: imager reading a block device, a compressor
// filtering its output, both writing into an in-progress file that is
// atomically renamed to its final name on success.
type Job struct {
	ID                    uuid.UUID
	Source                string
	SourceUUID            string
	HasSourceUUID         bool
	InprogressDestination string
	FinalDestination      string
	StartTime             time.Time

	imagerChild     *procutil.Child
	compressorChild *procutil.Child
	events          <-chan imager.Event

	cancel context.CancelFunc

	sentFirstMsg      bool
	partcloneFinished bool
	terminal          bool

	lastComplete        float64
	lastRate            string
	lastEstimatedFinish time.Time

	renameResult chan renameOutcome
}

// ErrAlreadyExists is returned by New when the computed in-progress
// destination path is already reserved by another job.
var ErrAlreadyExists = errors.New("destination already exists")

// New constructs a clone job: resolves the imager variant and binary,
// atomically reserves the in-progress destination file, and spawns the
// imager and compressor children with their stdout/stdin piped together.
// Any failure here leaves no lingering file and no lingering process.
func New(source, destinationDir, name string, z compression.Descriptor) (*Job, error) {
	variant, haveFSType := blockdev.FSType(source)
	if !haveFSType {
		variant = imager.DD
	}

	imagerPath, err := imager.Resolve(variant)
	if err != nil {
		variant = imager.DD
		imagerPath, err = imager.Resolve(variant)
		if err != nil {
			return nil, fmt.Errorf("resolving imager: %w", err)
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	sourceUUID, haveUUID := blockdev.UUID(source)

	timestamp := time.Now().Format(timestampLayout)
	inprogress := filepath.Join(destinationDir,
		fmt.Sprintf("%s-%s.apt.%s.%s.inprogress", name, timestamp, variant, z.Name))
	final := inprogress[:len(inprogress)-len(".inprogress")]

	destFile, err := os.OpenFile(inprogress, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("reserving %v: %w", inprogress, err)
	}

	j := &Job{
		ID:                    id,
		Source:                source,
		SourceUUID:            sourceUUID,
		HasSourceUUID:         haveUUID,
		InprogressDestination: inprogress,
		FinalDestination:      final,
		StartTime:             time.Now().UTC(),
	}

	if err := j.spawn(imagerPath, variant, destFile, z); err != nil {
		destFile.Close()
		os.Remove(inprogress)
		return nil, err
	}
	destFile.Close()

	return j, nil
}

// spawn wires the pipeline with explicit pipes rather than exec's managed
// StdoutPipe/StderrPipe: the reaper goroutine in procutil calls Wait as
// soon as a child starts, and Wait closes any Cmd-created parent pipe
// ends when the child exits, which could drop buffered stderr progress
// or invalidate the imager→compressor hop before the compressor starts.
// Each child dups the end it needs at Start; the parent copies are closed
// immediately after.
func (j *Job) spawn(imagerPath, variant string, destFile *os.File, z compression.Descriptor) error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("opening %v: %w", os.DevNull, err)
	}
	defer devNull.Close()

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("data pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var imagerArgs []string
	if variant != imager.DD {
		imagerArgs = append(imagerArgs, "-c")
	}
	imagerArgs = append(imagerArgs, "-s", j.Source)

	imagerCmd := exec.Command(imagerPath, imagerArgs...)
	imagerCmd.Stdin = devNull
	imagerCmd.Stdout = dataW
	imagerCmd.Stderr = stderrW

	if err := imagerCmd.Start(); err != nil {
		dataR.Close()
		dataW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("starting imager: %w", err)
	}
	dataW.Close()
	stderrW.Close()
	j.imagerChild = procutil.Track("imager", imagerCmd)

	compressorCmd := exec.Command(z.Command, z.WriteArgs...)
	compressorCmd.Stdin = dataR
	compressorCmd.Stdout = destFile

	if err := compressorCmd.Start(); err != nil {
		dataR.Close()
		stderrR.Close()
		j.imagerChild.KillAndReap()
		return fmt.Errorf("starting compressor: %w", err)
	}
	dataR.Close()
	j.compressorChild = procutil.Track("compressor", compressorCmd)

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

	if !j.partcloneFinished {
		return j.pollParser()
	}
	return j.pollChildren()
}

func (j *Job) pollParser() (Status, bool) {
	select {
	case ev := <-j.events:
		switch ev.Kind {
		case imager.EventRunning:
			complete := ev.Complete
			if complete > 0.9999 {
				complete = 0.9999
			}
			j.lastComplete, j.lastRate, j.lastEstimatedFinish = complete, ev.Rate, ev.EstimatedFinish
			return Status{
				Kind:            StatusRunning,
				Complete:        complete,
				Rate:            ev.Rate,
				EstimatedFinish: ev.EstimatedFinish,
			}, true
		case imager.EventSynced:
			j.partcloneFinished = true
			return Status{
				Kind:            StatusSyncing,
				Complete:        j.lastComplete,
				Rate:            j.lastRate,
				EstimatedFinish: j.lastEstimatedFinish,
			}, true
		case imager.EventFailed:
			j.partcloneFinished = true
			j.terminal = true
			return Status{Kind: StatusFailed, Reason: "Failed", Finish: ev.Finish}, true
		}
		return Status{}, false
	default:
		return Status{}, false
	}
}

func (j *Job) pollChildren() (Status, bool) {
	imgExited, _ := j.imagerChild.Exited()
	if imgExited && !j.imagerChild.Success() {
		j.terminal = true
		return Status{Kind: StatusFailed, Reason: "Clone failed", Finish: time.Now().UTC()}, true
	}

	compExited, _ := j.compressorChild.Exited()
	if compExited && !j.compressorChild.Success() {
		j.terminal = true
		return Status{Kind: StatusFailed, Reason: "Compress failed", Finish: time.Now().UTC()}, true
	}

	if !imgExited || !compExited {
		return Status{}, false
	}

	return j.pollFinalisation()
}

func (j *Job) pollFinalisation() (Status, bool) {
	if j.renameResult == nil {
		j.renameResult = make(chan renameOutcome, 1)
		go j.runRename(j.renameResult)
	}

	select {
	case res := <-j.renameResult:
		if res.err != nil {
			j.terminal = true
			return Status{
				Kind:   StatusFailed,
				Reason: fmt.Sprintf("Failed to rename %v", j.InprogressDestination),
				Finish: time.Now().UTC(),
			}, true
		}
		j.terminal = true
		return Status{
			Kind:      StatusFinished,
			Complete:  1.0,
			Finish:    time.Now().UTC(),
			ImageSize: res.size,
		}, true
	default:
		return Status{}, false
	}
}

func (j *Job) runRename(out chan<- renameOutcome) {
	if err := os.Rename(j.InprogressDestination, j.FinalDestination); err != nil {
		out <- renameOutcome{err: err}
		return
	}
	info, err := os.Stat(j.FinalDestination)
	if err != nil {
		out <- renameOutcome{err: err}
		return
	}
	out <- renameOutcome{size: info.Size()}
}

// Destroy tears the job down: both children are killed and reaped, and the
// in-progress file is removed if it still exists. The event loop calls it
// when the job is removed from its registry; a repeated call is harmless.
func (j *Job) Destroy() {
	if j.cancel != nil {
		j.cancel()
	}
	if j.imagerChild != nil {
		j.imagerChild.KillAndReap()
	}
	if j.compressorChild != nil {
		j.compressorChild.KillAndReap()
	}

	if _, err := os.Stat(j.InprogressDestination); err == nil {
		if err := os.Remove(j.InprogressDestination); err != nil {
			alog.Error("clonejob %v: failed to remove in-progress file %v: %v", j.ID, j.InprogressDestination, err)
		}
	}
}
