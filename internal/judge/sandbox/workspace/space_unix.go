//go:build linux || darwin

package workspace

import "golang.org/x/sys/unix"

func statSpace(path string) (Space, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Space{}, err
	}
	return Space{
		FreeBytes:  uint64(st.Bavail) * uint64(st.Bsize),
		FreeInodes: uint64(st.Ffree),
	}, nil
}
