package dwshare

import (
	"context"
	"sync"
)

// OnceActivateHandler brings an object up. DoOnceActivate calls it at most
// once, with shutdown held off until it returns. A non-nil result leaves the
// object inactive and starts its shutdown with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by every object built on ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown runs exactly once, on its own goroutine, and never
	// while shutdown is paused. completionError is advisory; the returned
	// error becomes the final status.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an object whose shutdown can be requested and awaited
// separately. ShutdownHelper implements it, so helpers nest as children.
type AsyncShutdowner interface {
	// StartShutdown requests shutdown. Only the first request counts; its
	// completionErr is the advisory status handed to HandleOnceShutdown.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown is complete, at which point
	// IsDoneShutdown is true and WaitShutdown no longer blocks
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown reports whether shutdown is complete
	IsDoneShutdown() bool

	// WaitShutdown blocks until shutdown is complete and returns the final
	// status
	WaitShutdown() error
}

// shutdownPhase tracks how far an object has got toward being shut down
type shutdownPhase int

const (
	// phaseRunning: no shutdown requested
	phaseRunning shutdownPhase = iota

	// phaseScheduled: requested, but held off by DoOnceActivate
	phaseScheduled

	// phaseStarted: HandleOnceShutdown is running or children are being
	// shut down
	phaseStarted

	// phaseDone: everything has finished
	phaseDone
)

// ShutdownHelper gives an object a one-shot asynchronous shutdown. The owner
// embeds it, calls InitShutdownHelper with itself as the OnceShutdownHandler,
// and closes its sockets in HandleOnceShutdown; a goroutine blocked in Read or
// Accept on those sockets then returns with an error and winds down.
//
// Shutdown runs in this order: HandleOnceShutdown, then every child added
// with AddShutdownChild is shut down, then the ShutdownWG count is waited to
// zero, and finally ShutdownDoneChan is closed.
type ShutdownHelper struct {
	// Logger receives the helper's own trace output, and is usually the
	// owner's logger too
	Logger

	// Lock guards the helper's state. Owners may borrow it for small
	// critical sections of their own.
	Lock sync.Mutex

	handler OnceShutdownHandler

	// pauses counts DoOnceActivate calls in progress; shutdown cannot
	// start while it is non-zero
	pauses int

	activated bool
	phase     shutdownPhase

	// err is the advisory status until HandleOnceShutdown returns, then
	// the final one
	err error

	startedChan chan struct{}
	handledChan chan struct{}
	doneChan    chan struct{}

	// wg counts children and worker goroutines still to finish
	wg sync.WaitGroup
}

// InitShutdownHelper prepares h for use. It must be called before any other
// method.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handledChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// beginLocked moves a scheduled shutdown to started. It returns false if
// shutdown must wait, either because it is paused or was never requested.
// h.Lock must be held.
func (h *ShutdownHelper) beginLocked() bool {
	if h.phase != phaseScheduled || h.pauses > 0 {
		return false
	}
	h.phase = phaseStarted
	return true
}

// run performs the shutdown sequence in the background
func (h *ShutdownHelper) run() {
	h.TLogf("shutdown started")
	close(h.startedChan)
	go func() {
		h.Lock.Lock()
		advisory := h.err
		h.Lock.Unlock()

		final := h.handler.HandleOnceShutdown(advisory)

		h.Lock.Lock()
		h.err = final
		h.Lock.Unlock()
		close(h.handledChan)

		h.wg.Wait()

		h.Lock.Lock()
		h.phase = phaseDone
		h.Lock.Unlock()
		h.TLogf("shutdown done")
		close(h.doneChan)
	}()
}

// IsActivated reports whether Activate or DoOnceActivate has succeeded
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.activated
}

// Activate marks the object active. It is a no-op when already active, and
// fails once shutdown has been requested.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.activated {
		return nil
	}
	if h.phase != phaseRunning {
		return h.Errorf("cannot activate; shutdown already requested")
	}
	h.activated = true
	return nil
}

// DoOnceActivate runs activate with shutdown held off, then marks the object
// active. A shutdown requested meanwhile is deferred until activate returns,
// so activate never races HandleOnceShutdown.
//
// If activate fails, or shutdown was already requested, the object shuts down
// with the error. With waitOnFail the call also waits for that shutdown to
// complete, so a failed Listen returns only after its socket is closed.
// Calling DoOnceActivate on an active object does nothing.
func (h *ShutdownHelper) DoOnceActivate(activate OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.phase != phaseRunning {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("cannot activate; shutdown already requested")
		}
		return err
	}
	h.pauses++
	h.Lock.Unlock()

	err := activate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.resume()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// resume ends one DoOnceActivate pause, starting a deferred shutdown if it
// was the last
func (h *ShutdownHelper) resume() {
	h.Lock.Lock()
	if h.pauses < 1 {
		h.Lock.Unlock()
		h.Panic("shutdown resumed without a pause")
		return
	}
	h.pauses--
	begin := h.beginLocked()
	h.Lock.Unlock()
	if begin {
		h.run()
	}
}

// ShutdownOnContext shuts the object down with ctx.Err() when ctx is done.
// The watcher goroutine exits as soon as shutdown starts for any reason.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has started. It stays true once
// shutdown is done.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.phase >= phaseStarted
}

// IsDoneShutdown reports whether shutdown is complete
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.phase == phaseDone
}

// ShutdownWG holds off completion of shutdown: each Add must be matched by a
// Done before ShutdownDoneChan is closed. Owners use it for their worker
// goroutines.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan is closed when shutdown starts
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.startedChan
}

// ShutdownDoneChan is closed when shutdown is complete
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.doneChan
}

// WaitShutdown blocks until shutdown is complete and returns the final
// status. It does not request shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.doneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.err
}

// Shutdown requests shutdown and waits for it
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown requests shutdown with an advisory status. Later requests are
// ignored. If DoOnceActivate is in progress the shutdown starts when it
// returns.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.phase != phaseRunning {
		h.Lock.Unlock()
		return
	}
	h.err = completionErr
	h.phase = phaseScheduled
	begin := h.beginLocked()
	h.Lock.Unlock()
	if begin {
		h.run()
	}
}

// Close shuts down with a nil advisory status and returns the final status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild ties child to this object: once HandleOnceShutdown
// returns, child is shut down with the same status and waited for. A child
// that finishes on its own beforehand is simply released.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handledChan:
			h.Lock.Lock()
			err := h.err
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
	}()
}
