package searchcache

import (
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"golang.org/x/sys/unix"
)

// lockRetryInterval is the poll interval while spinning on a contended
// flock.
const lockRetryInterval = 5 * time.Millisecond

// fdLockable is implemented by billy.File backends (notably osfs) whose
// underlying *os.File is reachable, letting us take a true byte-range
// shared/exclusive lock via fcntl instead of billy's own exclusive-only
// File.Lock().
type fdLockable interface {
	Fd() uintptr
}

// acquireLock places a shared (readers) or exclusive (writers) advisory
// lock on f, retrying until timeout elapses. When f's backend exposes a
// file descriptor (osfs), a true fcntl byte-range lock is used so readers
// don't block each other; otherwise it falls back to billy's portable
// File.Lock(), which is exclusive-only (acceptable degraded behavior under
// memfs, used only in tests).
func acquireLock(f billy.File, exclusive bool, timeout time.Duration) error {
	if fl, ok := f.(fdLockable); ok {
		return acquireFcntlLock(fl.Fd(), exclusive, timeout)
	}
	return f.Lock()
}

func releaseLock(f billy.File) error {
	if _, ok := f.(fdLockable); ok {
		return releaseFcntlLock(f.(fdLockable).Fd())
	}
	return f.Unlock()
}

func acquireFcntlLock(fd uintptr, exclusive bool, timeout time.Duration) error {
	typ := int16(unix.F_RDLCK)
	if exclusive {
		typ = int16(unix.F_WRLCK)
	}
	lock := unix.Flock_t{
		Type:   typ,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.FcntlFlock(fd, unix.F_SETLK, &lock)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(lockRetryInterval)
	}
}

func releaseFcntlLock(fd uintptr) error {
	lock := unix.Flock_t{
		Type:   int16(unix.F_UNLCK),
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(fd, unix.F_SETLK, &lock)
}
