//go:build unix

// Package conn owns every socket of the daemon. Sockets are stored behind
// opaque handles and registered with the event multiplexer under the same
// handle, so a readiness event can always be traced back to its resource.
package conn

import (
	"errors"
	"fmt"

	"github.com/matst80/knockd/internal/obs"
	"github.com/matst80/knockd/internal/poll"
)

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrHandleInUse   = errors.New("handle already in use")
	ErrNotTaken      = errors.New("resource is not taken under this handle")
)

// Handle identifies a registered resource. Zero is never allocated.
type Handle uint64

// Multiplexer is the part of the poller the registry drives.
type Multiplexer interface {
	Register(fd int, tok poll.Token, in poll.Interest, mode poll.Mode) error
	Deregister(fd int) error
}

// Registry is the sole owner of live resources. A resource is either live
// (stored, lookup-able) or taken (moved out to the caller for the duration of
// one event) and stays registered with the multiplexer in both states. The
// registry belongs to the event loop and is not safe for concurrent use.
type Registry struct {
	mux  Multiplexer
	next Handle
	live map[Handle]Resource
	lent map[Handle]Resource
}

func NewRegistry(mux Multiplexer) *Registry {
	return &Registry{
		mux:  mux,
		live: make(map[Handle]Resource),
		lent: make(map[Handle]Resource),
	}
}

// Allocate returns the next handle. Handles are never reused.
func (r *Registry) Allocate() Handle {
	r.next++
	return r.next
}

// Add registers res with the multiplexer under h and stores it.
func (r *Registry) Add(h Handle, res Resource, in poll.Interest, mode poll.Mode) error {
	if h == 0 {
		return ErrInvalidHandle
	}
	if r.inUse(h) {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	if err := r.mux.Register(res.Fd(), poll.Token(h), in, mode); err != nil {
		return fmt.Errorf("register %s handle %d: %w", res.Kind(), h, err)
	}
	r.live[h] = res
	r.updateGauge()
	return nil
}

// Get looks up a live resource.
func (r *Registry) Get(h Handle) (Resource, bool) {
	res, ok := r.live[h]
	return res, ok
}

// Take moves a live resource out to the caller. The registration stays armed,
// so the caller must hand it back with Restore or finish it with Release.
func (r *Registry) Take(h Handle) (Resource, bool) {
	res, ok := r.live[h]
	if !ok {
		return nil, false
	}
	delete(r.live, h)
	r.lent[h] = res
	return res, true
}

// Restore returns a taken resource to the live set.
func (r *Registry) Restore(h Handle, res Resource) error {
	if cur, ok := r.lent[h]; !ok || cur != res {
		return fmt.Errorf("%w: %d", ErrNotTaken, h)
	}
	delete(r.lent, h)
	r.live[h] = res
	return nil
}

// Release deregisters and closes a taken resource.
func (r *Registry) Release(h Handle, res Resource) error {
	if cur, ok := r.lent[h]; !ok || cur != res {
		return fmt.Errorf("%w: %d", ErrNotTaken, h)
	}
	delete(r.lent, h)
	return r.destroy(h, res)
}

// Remove deregisters and closes the resource under h, live or taken.
// Unknown handles are ignored.
func (r *Registry) Remove(h Handle) error {
	res, ok := r.live[h]
	if ok {
		delete(r.live, h)
	} else if res, ok = r.lent[h]; ok {
		delete(r.lent, h)
	} else {
		return nil
	}
	return r.destroy(h, res)
}

// Rearm changes the interest and mode of the registration under h. The
// resource may be live or taken.
func (r *Registry) Rearm(h Handle, in poll.Interest, mode poll.Mode) error {
	res, ok := r.live[h]
	if !ok {
		if res, ok = r.lent[h]; !ok {
			return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
		}
	}
	if err := r.mux.Register(res.Fd(), poll.Token(h), in, mode); err != nil {
		return fmt.Errorf("rearm %s handle %d: %w", res.Kind(), h, err)
	}
	return nil
}

// Len counts live and taken resources.
func (r *Registry) Len() int { return len(r.live) + len(r.lent) }

// Count returns how many resources of kind k are held.
func (r *Registry) Count(k Kind) int {
	n := 0
	for _, res := range r.live {
		if res.Kind() == k {
			n++
		}
	}
	for _, res := range r.lent {
		if res.Kind() == k {
			n++
		}
	}
	return n
}

// Close removes every resource.
func (r *Registry) Close() error {
	var errs []error
	for h := range r.live {
		errs = append(errs, r.Remove(h))
	}
	for h := range r.lent {
		errs = append(errs, r.Remove(h))
	}
	return errors.Join(errs...)
}

func (r *Registry) inUse(h Handle) bool {
	if _, ok := r.live[h]; ok {
		return true
	}
	_, ok := r.lent[h]
	return ok
}

func (r *Registry) destroy(h Handle, res Resource) error {
	derr := r.mux.Deregister(res.Fd())
	cerr := res.Close()
	r.updateGauge()
	if derr != nil {
		return fmt.Errorf("deregister %s handle %d: %w", res.Kind(), h, derr)
	}
	if cerr != nil {
		obs.Debug("conn.close", obs.Fields{"handle": uint64(h), "kind": res.Kind().String(), "err": cerr.Error()})
	}
	return nil
}

func (r *Registry) updateGauge() {
	obs.RegisteredResources.Set(float64(r.Len()))
}
