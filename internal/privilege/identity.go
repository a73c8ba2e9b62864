package privilege

import (
	"os"
	"strconv"

	"github.com/Morganamilo/paccat/internal/logger"
)

// Identity is a narrow capability for filesystem ownership operations
// performed on behalf of the invoking (non-privileged) user. It is
// threaded into the download manager explicitly rather than held as
// process state.
type Identity struct {
	UID int
	GID int
}

// Caller returns the identity downloaded files should be owned by.
// The second return is false when the process is not privileged or no
// invoking-user information is available, in which case ownership
// adjustment is skipped entirely.
func Caller() (Identity, bool) {
	if os.Geteuid() != 0 {
		return Identity{}, false
	}

	uid, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return Identity{}, false
	}
	gid, err := strconv.Atoi(os.Getenv("SUDO_GID"))
	if err != nil {
		gid = uid
	}
	return Identity{UID: uid, GID: gid}, true
}

// UID of the real invoking user, privileged or not. Used to name the
// per-user scratch directory.
func CallerUID() int {
	if id, ok := Caller(); ok {
		return id.UID
	}
	return os.Getuid()
}

// Own adjusts path's ownership to the identity. Failure is logged and
// swallowed.
func (id Identity) Own(path string) {
	if err := os.Chown(path, id.UID, id.GID); err != nil {
		logger.Logger().Warnf("could not chown %s to uid %d: %v", path, id.UID, err)
	}
}
