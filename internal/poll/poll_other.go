//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package poll

// Open creates the platform poller.
func Open() (Poller, error) {
	return nil, ErrUnsupported
}
