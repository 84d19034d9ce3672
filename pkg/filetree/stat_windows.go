package filetree

import (
	"os"
)

// metadataFromFileInfo extracts archive metadata from a stat result.
// Windows has no inode/uid/gid equivalents in os.FileInfo, so those
// fields stay zero and hardlink detection is effectively disabled.
func metadataFromFileInfo(info os.FileInfo) (Metadata, uint64) {
	mtime := info.ModTime().UTC()
	return Metadata{
		Mode:  uint32(info.Mode()),
		Atime: mtime,
		Ctime: mtime,
		Mtime: mtime,
	}, 0
}
