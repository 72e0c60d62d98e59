package drm

import (
	"fmt"
	"runtime"
	"unsafe"

	"deedles.dev/kms/wire"
)

// CommitError is returned when the kernel rejects an atomic commit.
type CommitError struct {
	Flags uint32
	Props int
	Err   error
}

func (err CommitError) Error() string {
	return fmt.Sprintf("atomic commit (flags %#x, %v properties): %v", err.Flags, err.Props, err.Err)
}

func (err CommitError) Unwrap() error {
	return err.Err
}

// Commit submits req as a single atomic transaction. With
// wire.AtomicNonBlock set it returns as soon as the kernel has
// validated the request, and with wire.PageFlipEvent set a completion
// event is queued per affected CRTC carrying userData.
func (d *Device) Commit(req *wire.AtomicRequest, flags uint32, userData uint64) error {
	a, err := req.Build()
	if err != nil {
		return fmt.Errorf("build atomic request: %w", err)
	}
	if len(a.Objects) == 0 {
		return nil
	}

	s := sysAtomic{
		flags:         flags,
		countObjs:     uint32(len(a.Objects)),
		objsPtr:       uint64(uintptr(unsafe.Pointer(&a.Objects[0]))),
		countPropsPtr: uint64(uintptr(unsafe.Pointer(&a.Counts[0]))),
		propsPtr:      uint64(uintptr(unsafe.Pointer(&a.Props[0]))),
		propValuesPtr: uint64(uintptr(unsafe.Pointer(&a.Values[0]))),
		userData:      userData,
	}
	err = d.ioctl(ioctlModeAtomic, unsafe.Pointer(&s))
	runtime.KeepAlive(a)
	if err != nil {
		return CommitError{Flags: flags, Props: len(a.Props), Err: err}
	}
	return nil
}
