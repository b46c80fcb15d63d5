//go:build windows

package snapshot

import (
	"io/fs"
	"time"
)

// statInfo is the platform metadata captureCandidate needs beyond what
// os.FileInfo already exposes. Windows has no uid/gid/ctime in the POSIX
// sense; these fields are left zero.
type statInfo struct {
	OwnerUser string
	OwnerGrp  string
	UID       uint32
	GID       uint32
	ATime     time.Time
	CTime     time.Time
}

func platformStat(info fs.FileInfo) statInfo {
	return statInfo{ATime: info.ModTime(), CTime: info.ModTime()}
}
