package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
)

// staleLockGraceMultiplier is how many heartbeat intervals old a heartbeat
// file may be while its holder still counts as live and fresh. A lock that
// is still held with an older heartbeat is reported as stale, not reclaimed.
const staleLockGraceMultiplier = 3

// acquireLock takes the advisory single-instance lock at pidPath. If the
// lock is already held by a live process with a fresh heartbeat, it returns
// a SingleInstanceError naming that pid. A dead holder releases its flock
// automatically on process exit, so Flock succeeds and acquireLock proceeds
// without operator involvement; the only case acquireLock cannot resolve on
// its own is a live-but-hung holder, which it reports rather than kills.
func acquireLock(pidPath, heartbeatPath string, heartbeatInterval time.Duration) (*os.File, error) {
	f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, dlerrors.SingleInstance(fmt.Errorf("open pid file: %w", err))
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		existingPID := readPID(f)
		if isLiveAndFresh(existingPID, heartbeatPath, heartbeatInterval) {
			f.Close()
			return nil, dlerrors.SingleInstance(fmt.Errorf("daemon already running (pid %d)", existingPID))
		}
		// The lock is held but the holder appears dead or stale; since we
		// couldn't take the flock non-blockingly, some other process still
		// has the fd open even though it's not making progress. Reclaiming
		// here would require killing that process, which this daemon does
		// not do on its own behalf; surface as a single-instance error so
		// the operator can investigate rather than silently overriding it.
		f.Close()
		return nil, dlerrors.SingleInstance(fmt.Errorf("lock held by unresponsive process (pid %d); remove %s manually if it is confirmed dead", existingPID, pidPath))
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, dlerrors.SingleInstance(fmt.Errorf("truncate pid file: %w", err))
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, dlerrors.SingleInstance(fmt.Errorf("write pid: %w", err))
	}

	return f, nil
}

// releaseLock unlocks and removes the pid file.
func releaseLock(f *os.File, pidPath string) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	os.Remove(pidPath)
}

func readPID(f *os.File) int {
	data := make([]byte, 32)
	n, _ := f.ReadAt(data, 0)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data[:n])))
	return pid
}

// isLiveAndFresh reports whether pid names a running process AND the
// heartbeat file at heartbeatPath was updated within the stale-lock grace
// window. Both must hold for the lock to be considered actively held.
func isLiveAndFresh(pid int, heartbeatPath string, heartbeatInterval time.Duration) bool {
	if pid <= 0 || !processAlive(pid) {
		return false
	}
	info, err := os.Stat(heartbeatPath)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) <= time.Duration(staleLockGraceMultiplier)*heartbeatInterval
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Sending signal 0 probes for existence/permission without affecting
	// the target process, the standard Unix liveness check.
	return proc.Signal(unix.Signal(0)) == nil
}
