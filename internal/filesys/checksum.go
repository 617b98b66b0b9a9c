package filesys

import (
	"errors"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
)

// Checksum returns the CRC-32 (IEEE) of the file at localPath.
func Checksum(localPath string) (uint32, error) {
	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
