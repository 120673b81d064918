// Package server implements the daemon's single-threaded cooperative
// event loop: it owns the transport connection, the live clone/restore
// job registries, and the deferred-I/O channel, and multiplexes all three
// every iteration.
package server

import (
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apartd/apartd/internal/blockdev"
	"github.com/apartd/apartd/internal/clonejob"
	"github.com/apartd/apartd/internal/compression"
	"github.com/apartd/apartd/internal/imager"
	"github.com/apartd/apartd/internal/ipcsock"
	"github.com/apartd/apartd/internal/protocol"
	"github.com/apartd/apartd/internal/restorejob"
	"github.com/apartd/apartd/pkg/alog"
)

// deferredDrainTimeout bounds how long shutdown waits for in-flight
// deferred-I/O tasks (cancellation teardown, image deletion) to finish.
const deferredDrainTimeout = 2 * time.Second

// Server owns one connection and drives its event loop until a kill
// request arrives or a fatal transport error occurs.
type Server struct {
	conn *ipcsock.Conn

	cloneJobs   map[string]*clonejob.Job
	restoreJobs map[string]*restorejob.Job

	// deferred carries already-rendered outcome messages from one-shot
	// background tasks: cancellation teardown and image deletion.
	// deferredGroup supervises those goroutines so shutdown can wait for
	// them to finish (bounded by deferredDrainTimeout) instead of
	// abandoning in-flight unlinks.
	deferred      chan string
	deferredGroup errgroup.Group

	recvTimeout time.Duration
}

// New dials addr and returns a Server ready to Run.
func New(addr string) (*Server, error) {
	conn, err := ipcsock.Dial(addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		conn:        conn,
		cloneJobs:   make(map[string]*clonejob.Job),
		restoreJobs: make(map[string]*restorejob.Job),
		deferred:    make(chan string, 32),
		recvTimeout: ipcsock.IdleTimeout,
	}, nil
}

func devices() []blockdev.Device {
	d, err := blockdev.Blockdevices()
	if err != nil {
		return []blockdev.Device{}
	}
	return d
}

// Run sends the startup status message and then loops until a kill
// request is processed or the connection reports a fatal error.
func (s *Server) Run() error {
	if err := s.conn.Send(protocol.RenderStatus("started", devices(), compression.AllInstalled())); err != nil {
		return err
	}
	alog.Info("apartd started")

	defer func() {
		if err := s.conn.Send(protocol.RenderStatus("dying", nil, nil)); err != nil {
			alog.Debug("best-effort dying status failed: %v", err)
		}
		for _, j := range s.cloneJobs {
			j.Destroy()
		}
		for _, j := range s.restoreJobs {
			j.Destroy()
		}
		s.waitDeferred()
		s.conn.Close()
	}()

	for {
		workDone, shutdown, err := s.iterate()
		if err != nil {
			return err
		}
		if shutdown {
			return nil
		}

		if workDone {
			s.recvTimeout = ipcsock.BusyTimeout
		} else {
			s.recvTimeout = ipcsock.IdleTimeout
		}
	}
}

func (s *Server) iterate() (workDone bool, shutdown bool, err error) {
	data, ok, err := s.conn.TryRecv(s.recvTimeout)
	if err != nil {
		return false, false, err
	}
	if ok {
		workDone = true
		req, ok := protocol.Parse(data)
		if !ok {
			alog.Warn("ignoring malformed or unrecognised request")
		} else if s.dispatch(req) {
			return workDone, true, nil
		}
	}

	if s.pollCloneJobs() {
		workDone = true
	}
	if s.pollRestoreJobs() {
		workDone = true
	}
	if s.drainDeferred() {
		workDone = true
	}

	return workDone, false, nil
}

func (s *Server) pollCloneJobs() bool {
	didWork := false
	var terminal []string

	for id, job := range s.cloneJobs {
		st, ok := job.TryRecv()
		if !ok {
			continue
		}
		didWork = true
		s.sendCloneStatus(id, job, st)
		if st.Terminal() {
			terminal = append(terminal, id)
		}
	}

	for _, id := range terminal {
		job := s.cloneJobs[id]
		delete(s.cloneJobs, id)
		job.Destroy()
	}

	return didWork
}

func (s *Server) pollRestoreJobs() bool {
	didWork := false
	var terminal []string

	for id, job := range s.restoreJobs {
		st, ok := job.TryRecv()
		if !ok {
			continue
		}
		didWork = true
		s.sendRestoreStatus(id, job, st)
		if st.Terminal() {
			terminal = append(terminal, id)
		}
	}

	for _, id := range terminal {
		job := s.restoreJobs[id]
		delete(s.restoreJobs, id)
		job.Destroy()
	}

	return didWork
}

// waitDeferred gives any in-flight deferred-I/O goroutines a bounded
// window to finish so a cancel-clone's unlink isn't abandoned mid-flight.
func (s *Server) waitDeferred() {
	done := make(chan error, 1)
	go func() { done <- s.deferredGroup.Wait() }()

	select {
	case <-done:
	case <-time.After(deferredDrainTimeout):
		alog.Warn("shutdown: deferred tasks still running after %v, abandoning them", deferredDrainTimeout)
	}
}

func (s *Server) drainDeferred() bool {
	didWork := false
	for {
		select {
		case msg := <-s.deferred:
			didWork = true
			if err := s.conn.Send(msg); err != nil {
				alog.Error("sending deferred result: %v", err)
			}
		default:
			return didWork
		}
	}
}

func (s *Server) sendCloneStatus(id string, job *clonejob.Job, st clonejob.Status) {
	if st.Kind == clonejob.StatusFailed {
		if err := s.conn.Send(protocol.RenderCloneFailed(id, job.Source, job.FinalDestination, job.StartTime, st.Finish, st.Reason)); err != nil {
			alog.Error("sending clone-failed: %v", err)
		}
		return
	}

	v := protocol.CloneView{
		ID:              id,
		Source:          job.Source,
		Destination:     job.FinalDestination,
		SourceUUID:      job.SourceUUID,
		HasSourceUUID:   job.HasSourceUUID,
		Start:           job.StartTime,
		Complete:        st.Complete,
		Syncing:         st.Kind == clonejob.StatusSyncing,
		Rate:            st.Rate,
		EstimatedFinish: st.EstimatedFinish,
	}
	if st.Kind == clonejob.StatusFinished {
		v.Finish = st.Finish
		v.ImageSize = st.ImageSize
		v.HasImageSize = true
	}

	if err := s.conn.Send(protocol.RenderClone(v)); err != nil {
		alog.Error("sending clone status: %v", err)
	}
}

func (s *Server) sendRestoreStatus(id string, job *restorejob.Job, st restorejob.Status) {
	if st.Kind == restorejob.StatusFailed {
		if err := s.conn.Send(protocol.RenderRestoreFailed(id, job.Source, job.Destination, job.StartTime, st.Finish, st.Reason)); err != nil {
			alog.Error("sending restore-failed: %v", err)
		}
		return
	}

	v := protocol.RestoreView{
		ID:              id,
		Source:          job.Source,
		Destination:     job.Destination,
		Start:           job.StartTime,
		Complete:        st.Complete,
		Syncing:         st.Syncing,
		Rate:            st.Rate,
		EstimatedFinish: st.EstimatedFinish,
	}
	if st.Kind == restorejob.StatusFinished {
		v.Finish = st.Finish
	}

	if err := s.conn.Send(protocol.RenderRestore(v)); err != nil {
		alog.Error("sending restore status: %v", err)
	}
}

// dispatch handles one parsed request and reports whether it was a kill
// request that should end the loop.
func (s *Server) dispatch(req protocol.Request) bool {
	switch req.Kind {
	case protocol.RequestStatus:
		if err := s.conn.Send(protocol.RenderStatus("running", devices(), compression.AllInstalled())); err != nil {
			alog.Error("sending status: %v", err)
		}

	case protocol.RequestKill:
		alog.Info("kill requested")
		return true

	case protocol.RequestClone:
		job, err := clonejob.New(req.Source, req.Destination, req.Name, req.Compression)
		if err != nil {
			alog.Error("clone request failed: %v", err)
			return false
		}
		s.cloneJobs[job.ID.String()] = job

	case protocol.RequestRestore:
		job, err := restorejob.New(req.Source, req.Destination)
		if err != nil {
			alog.Error("restore request failed: %v", err)
			return false
		}
		s.restoreJobs[job.ID.String()] = job

	case protocol.RequestCancelClone:
		job, ok := s.cloneJobs[req.ID]
		if !ok {
			alog.Warn("cancel-clone for unknown id %v", req.ID)
			return false
		}
		delete(s.cloneJobs, req.ID)
		s.deferredGroup.Go(func() error {
			job.Destroy()
			s.deferred <- protocol.RenderCloneFailed(req.ID, job.Source, job.FinalDestination, job.StartTime, time.Now().UTC(), "Cancelled")
			return nil
		})

	case protocol.RequestCancelRestore:
		job, ok := s.restoreJobs[req.ID]
		if !ok {
			alog.Warn("cancel-restore for unknown id %v", req.ID)
			return false
		}
		delete(s.restoreJobs, req.ID)
		job.Destroy()
		if err := s.conn.Send(protocol.RenderRestoreFailed(req.ID, job.Source, job.Destination, job.StartTime, time.Now().UTC(), "Cancelled")); err != nil {
			alog.Error("sending restore-failed: %v", err)
		}

	case protocol.RequestDeleteImage:
		if !imager.IsValidImageName(req.File) {
			alog.Warn("delete-clone for invalid image name %v", req.File)
			return false
		}
		file := req.File
		s.deferredGroup.Go(func() error {
			err := os.Remove(file)
			switch {
			case err == nil:
				s.deferred <- protocol.RenderDeletedClone(file)
			case os.IsNotExist(err):
				s.deferred <- protocol.RenderDeleteCloneFailed(file, "")
			default:
				s.deferred <- protocol.RenderDeleteCloneFailed(file, err.Error())
			}
			return nil
		})
	}

	return false
}
