//go:build windows

package journal

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// fsctlQueryUSNJournal is FSCTL_QUERY_USN_JOURNAL, not exposed by
// golang.org/x/sys/windows.
const fsctlQueryUSNJournal = 0x000900f4

// usnJournalDataV1 mirrors USN_JOURNAL_DATA_V1 from winioctl.h: the
// fields this module reads (journal id and next usn) plus enough trailing
// padding to match the real struct size so DeviceIoControl's output
// buffer bound check never trips.
type usnJournalDataV1 struct {
	UsnJournalID    uint64
	FirstUsn        int64
	NextUsn         int64
	LowestValidUsn  int64
	MaxUsn          int64
	MaximumSize     uint64
	AllocationDelta uint64
}

func captureMarker(canonical string) (*Marker, error) {
	path := canonical
	if len(path) >= 2 && path[1] != ':' {
		path = `\\?\` + path
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("journal: encoding path %q: %w", canonical, err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OPEN_REPARSE_POINT,
		0,
	)
	if err != nil {
		return nil, nil // not an NTFS volume, or no permission: unsupported, not an error
	}
	defer windows.CloseHandle(handle)

	var data usnJournalDataV1
	var bytesReturned uint32
	err = windows.DeviceIoControl(
		handle,
		fsctlQueryUSNJournal,
		nil, 0,
		(*byte)(unsafe.Pointer(&data)), uint32(unsafe.Sizeof(data)),
		&bytesReturned,
		nil,
	)
	if err != nil {
		return nil, nil
	}

	var volSerial uint32
	var fileIndexHigh uint32
	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(handle, &info); err == nil {
		volSerial = info.VolumeSerialNumber
		fileIndexHigh = info.FileIndexHigh
	}

	volume := fmt.Sprintf("%08x:%08x", volSerial, fileIndexHigh)

	rootMtime := info.LastWriteTime.Nanoseconds() / 1e6

	return &Marker{
		Platform:         "windows",
		Volume:           volume,
		JournalID:        data.UsnJournalID,
		NextUSN:          data.NextUsn,
		RootMtimeEpochMs: &rootMtime,
	}, nil
}
