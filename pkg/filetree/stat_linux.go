package filetree

import (
	"os"
	"syscall"
	"time"
)

// metadataFromFileInfo extracts archive metadata plus the device number
// (for hardlink detection) from a stat result.
func metadataFromFileInfo(info os.FileInfo) (Metadata, uint64) {
	meta := Metadata{
		Mode:  uint32(info.Mode()),
		Mtime: info.ModTime().UTC(),
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		meta.Atime = meta.Mtime
		meta.Ctime = meta.Mtime
		return meta, 0
	}

	meta.Inode = st.Ino
	meta.UID = st.Uid
	meta.GID = st.Gid
	meta.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec).UTC()
	meta.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec).UTC()
	meta.Mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec).UTC()
	return meta, uint64(st.Dev)
}
