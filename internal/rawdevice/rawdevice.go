// Package rawdevice opens, locks, and performs raw reads/writes against
// the backing file or block device underneath every partition, the Go
// shape of original_source/src/blockio.c's stream_open/stream_read/
// stream_write/stream_close plus blockio_init_file's sizing logic.
package rawdevice

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	times "gopkg.in/djherbis/times.v1"

	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/serr"
	"github.com/pkg/xattr"
)

var log = logging.For("rawdevice")

// Device is an exclusively-locked handle on the backing store, sliced
// into fixed-size macroblocks.
type Device struct {
	path          string
	file          *os.File
	macroblockLog uint
	macroblockSz  int64
	numMacro      uint32
}

// Open opens path, takes an exclusive advisory lock on it, and computes
// how many macroblocks of size 2^macroblockLog fit in it. It fails if
// another process holds the lock, if the store is smaller than one
// macroblock, or if path is neither a regular file nor a block device.
func Open(path string, macroblockLog uint) (*Device, error) {
	runHygieneCheck(path)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, serr.IO(fmt.Sprintf("opening backing store %s", path), err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, serr.Busy(fmt.Sprintf("backing store %s is locked by another process", path), err)
	}

	size, err := backingSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	macroblockSz := int64(1) << macroblockLog
	numMacro := size / macroblockSz
	if numMacro < 1 {
		f.Close()
		return nil, serr.Config(fmt.Sprintf("backing store %s (%d bytes) holds no complete macroblock of size %d", path, size, macroblockSz), nil)
	}
	if numMacro > (1<<32 - 1) {
		f.Close()
		return nil, serr.Config(fmt.Sprintf("backing store %s is too large (%d macroblocks)", path, numMacro), nil)
	}

	d := &Device{
		path:          path,
		file:          f,
		macroblockLog: macroblockLog,
		macroblockSz:  macroblockSz,
		numMacro:      uint32(numMacro),
	}
	log.WithFields(map[string]interface{}{
		"path":        path,
		"macroblocks": d.numMacro,
		"macro_size":  macroblockSz,
	}).Info("opened backing store")
	return d, nil
}

func backingSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, serr.IO("stat backing store", err)
	}
	if info.Mode()&os.ModeDevice != 0 {
		// block devices report a zero-length stat; the portable way to
		// learn their size is to seek to the end, which the kernel
		// resolves to the device's real capacity.
		size, err := f.Seek(0, os.SEEK_END)
		if err != nil {
			return 0, serr.IO("seeking to end of block device", err)
		}
		if _, err := f.Seek(0, os.SEEK_SET); err != nil {
			return 0, serr.IO("seeking back to start of block device", err)
		}
		return size, nil
	}
	if !info.Mode().IsRegular() {
		return 0, serr.Config(fmt.Sprintf("%s is not a regular file or a block device", f.Name()), nil)
	}
	return info.Size(), nil
}

// runHygieneCheck never fails. It logs a warning if the backing path
// carries file system extended attributes, which would undermine
// deniability, and logs at debug level if the change time is later
// than the birth time.
func runHygieneCheck(path string) {
	names, err := xattr.List(path)
	if err != nil {
		log.WithError(err).Debug("could not list extended attributes")
	} else if len(names) > 0 {
		log.WithField("xattrs", names).Warn("backing store carries extended attributes; a deniable store should carry none")
	}

	t, err := times.Stat(path)
	if err != nil {
		log.WithError(err).Debug("could not stat times for backing store")
		return
	}
	if t.HasChangeTime() && t.HasBirthTime() && t.ChangeTime().After(t.BirthTime()) {
		log.WithFields(map[string]interface{}{
			"birth":  t.BirthTime(),
			"change": t.ChangeTime(),
		}).Debug("backing store metadata changed after creation")
	}
}

// NumMacroblocks returns how many fixed-size macroblocks the backing
// store holds.
func (d *Device) NumMacroblocks() uint32 { return d.numMacro }

// MacroblockSize returns the configured macroblock size in bytes.
func (d *Device) MacroblockSize() int64 { return d.macroblockSz }

func (d *Device) offsetOf(macroID uint32) int64 {
	return int64(macroID) * d.macroblockSz
}

// ReadAt reads size bytes starting at byteOffset within macroblock
// macroID into buf, which must have length size.
func (d *Device) ReadAt(macroID uint32, byteOffset int64, buf []byte) error {
	if macroID >= d.numMacro {
		return serr.Config(fmt.Sprintf("macroblock %d out of range (have %d)", macroID, d.numMacro), nil)
	}
	n, err := d.file.ReadAt(buf, d.offsetOf(macroID)+byteOffset)
	if err != nil {
		return serr.IO(fmt.Sprintf("reading macroblock %d", macroID), err)
	}
	if n != len(buf) {
		return serr.IO(fmt.Sprintf("short read on macroblock %d: got %d of %d bytes", macroID, n, len(buf)), nil)
	}
	return nil
}

// WriteAt writes buf at byteOffset within macroblock macroID.
func (d *Device) WriteAt(macroID uint32, byteOffset int64, buf []byte) error {
	if macroID >= d.numMacro {
		return serr.Config(fmt.Sprintf("macroblock %d out of range (have %d)", macroID, d.numMacro), nil)
	}
	n, err := d.file.WriteAt(buf, d.offsetOf(macroID)+byteOffset)
	if err != nil {
		return serr.IO(fmt.Sprintf("writing macroblock %d", macroID), err)
	}
	if n != len(buf) {
		return serr.IO(fmt.Sprintf("short write on macroblock %d: wrote %d of %d bytes", macroID, n, len(buf)), nil)
	}
	return nil
}

// Close releases the lock and closes the backing store.
func (d *Device) Close() error {
	if err := d.file.Close(); err != nil {
		return serr.IO("closing backing store", err)
	}
	return nil
}
