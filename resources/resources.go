// Package resources manages the on-disk files behind attachment
// downloads and locally published resources. Downloads are written
// append-only so an interrupted transfer resumes from the byte count
// already on disk.
package resources

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mak2salazarjr/ploggy/store"
)

// Manager resolves resource files under a root directory.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating resources directory: %w", err)
	}
	return &Manager{root: dir}, nil
}

// DownloadPath returns the file backing a friend resource download.
func (m *Manager) DownloadPath(download *store.Download) string {
	return filepath.Join(m.root, "downloads", download.FriendID, download.ResourceID)
}

// DownloadedSize returns how many bytes of the download are already on
// disk. A missing file counts as zero bytes.
func (m *Manager) DownloadedSize(download *store.Download) (int64, error) {
	info, err := os.Stat(m.DownloadPath(download))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OpenDownloadForAppending opens the download file for appending,
// creating parent directories on first write.
func (m *Manager) OpenDownloadForAppending(download *store.Download) (io.WriteCloser, error) {
	path := m.DownloadPath(download)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// OpenLocalResourceForReading opens a published resource positioned at
// offset. The caller streams from it into the download response.
func (m *Manager) OpenLocalResourceForReading(resource *store.LocalResource, offset int64) (io.ReadCloser, error) {
	file, err := os.Open(resource.FilePath)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}
