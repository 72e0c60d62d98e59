package fence

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
)

// Status is the state of a sync_file as reported by the kernel.
type Status int32

const (
	StatusActive   Status = 0
	StatusSignaled Status = 1
)

func (s Status) String() string {
	switch {
	case s == StatusActive:
		return "active"
	case s == StatusSignaled:
		return "signaled"
	case s < 0:
		return "error"
	}

	return "unknown"
}

type sysSyncFileInfo struct {
	name          [32]byte
	status        int32
	flags         uint32
	numFences     uint32
	pad           uint32
	syncFenceInfo uint64
}

type sysSyncFenceInfo struct {
	objName     [32]byte
	driverName  [32]byte
	status      int32
	flags       uint32
	timestampNS uint64
}

var ioctlSyncFileInfo = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysSyncFileInfo{})), '>', 4)

// Info describes a sync_file.
type Info struct {
	Name   string
	Status Status

	// Signaled is the CLOCK_MONOTONIC time at which the last of the
	// contained fences signaled. It is zero while the fence is active.
	Signaled time.Duration
}

// Query asks the kernel about the sync_file held by f.
func (f *Fence) Query() (Info, error) {
	if !f.set {
		return Info{}, fmt.Errorf("query fence: no descriptor")
	}

	var info sysSyncFileInfo
	err := ioctl.Do(uintptr(f.fd), uintptr(ioctlSyncFileInfo), uintptr(unsafe.Pointer(&info)))
	if err != nil {
		return Info{}, fmt.Errorf("query fence %v: %w", f.fd, err)
	}

	r := Info{
		Name:   cstring(info.name[:]),
		Status: Status(info.status),
	}
	if (r.Status != StatusSignaled) || (info.numFences == 0) {
		return r, nil
	}

	fences := make([]sysSyncFenceInfo, info.numFences)
	info.syncFenceInfo = uint64(uintptr(unsafe.Pointer(&fences[0])))
	err = ioctl.Do(uintptr(f.fd), uintptr(ioctlSyncFileInfo), uintptr(unsafe.Pointer(&info)))
	if err != nil {
		return r, fmt.Errorf("query fence %v timestamps: %w", f.fd, err)
	}

	for _, fi := range fences {
		r.Signaled = max(r.Signaled, time.Duration(fi.timestampNS))
	}
	return r, nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
