//go:build linux

package archive

import (
	"archive/tar"
	"errors"
	"io/fs"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

type inodeKey struct {
	dev uint64
	ino uint64
}

func inodeOf(info fs.FileInfo) (inodeKey, uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, 0, false
	}
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}, uint64(st.Nlink), true
}

func readXattrs(path string) (map[string]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if ignorableXattrErr(err) {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		if ignorableXattrErr(err) {
			return nil, nil
		}
		return nil, err
	}

	attrs := make(map[string]string)
	for _, name := range strings.Split(strings.TrimRight(string(buf[:size]), "\x00"), "\x00") {
		if name == "" {
			continue
		}
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			if ignorableXattrErr(err) {
				continue
			}
			return nil, err
		}
		value := make([]byte, vsize)
		vsize, err = unix.Lgetxattr(path, name, value)
		if err != nil {
			if ignorableXattrErr(err) {
				continue
			}
			return nil, err
		}
		attrs[name] = string(value[:vsize])
	}
	return attrs, nil
}

func writeXattrs(path string, attrs map[string]string) error {
	for name, value := range attrs {
		if err := unix.Lsetxattr(path, name, []byte(value), 0); err != nil {
			// trusted.* needs CAP_SYS_ADMIN; unprivileged extraction keeps the data.
			if ignorableXattrErr(err) || errors.Is(err, unix.EPERM) {
				continue
			}
			return err
		}
	}
	return nil
}

func ignorableXattrErr(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.ENODATA) || errors.Is(err, unix.EOPNOTSUPP)
}

func mknod(path string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}
	_ = unix.Unlink(path)
	return unix.Mknod(path, mode, int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))))
}
