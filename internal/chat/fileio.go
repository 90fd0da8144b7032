package chat

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStaging implements §4.5: reading a local file into a sized File
// payload, and validating + storing an incoming one.
type FileStaging struct {
	cfg Config
}

func NewFileStaging(cfg Config) *FileStaging {
	return &FileStaging{cfg: cfg}
}

// Prepare streams path, accumulating a SHA-256 content hash and the byte
// payload, up to cfg.MaxFileBytes. Returns FileTooLarge beyond that bound.
func (fs *FileStaging) Prepare(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > fs.cfg.MaxFileBytes {
		return nil, &FileTooLarge{Path: path, Limit: fs.cfg.MaxFileBytes}
	}

	h := sha256.New()
	limited := io.LimitReader(f, fs.cfg.MaxFileBytes+1)
	tee := io.TeeReader(limited, h)
	data, err := io.ReadAll(tee)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > fs.cfg.MaxFileBytes {
		return nil, &FileTooLarge{Path: path, Limit: fs.cfg.MaxFileBytes}
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))

	return &File{
		Name:        filepath.Base(path),
		Size:        uint64(len(data)),
		ContentHash: hash,
		Bytes:       data,
	}, nil
}

// sanitizeName implements the filename policy of §4.5: strip directory
// components, reject empty and path-separator-only names, allow Unicode,
// disallow traversal.
func sanitizeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q: traversal not allowed", name)
	}
	return base, nil
}

// Receive implements the receiver side of §4.5: write to a temporary name,
// verify size and hash, rename to the final name (numeric suffix on
// collision). On mismatch, deletes the staged file and returns
// IntegrityFailed.
func (fs *FileStaging) Receive(file *File) (savedPath string, err error) {
	name, err := sanitizeName(file.Name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(fs.cfg.DownloadDirectory, 0o755); err != nil {
		return "", &DownloadWriteFailed{Path: fs.cfg.DownloadDirectory, Cause: err}
	}

	tmpPath := filepath.Join(fs.cfg.DownloadDirectory, "."+name+".part")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &DownloadWriteFailed{Path: tmpPath, Cause: err}
	}

	h := sha256.New()
	w := io.MultiWriter(tmp, h)
	written, werr := w.Write(file.Bytes)
	closeErr := tmp.Close()
	if werr != nil {
		os.Remove(tmpPath)
		return "", &DownloadWriteFailed{Path: tmpPath, Cause: werr}
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", &DownloadWriteFailed{Path: tmpPath, Cause: closeErr}
	}

	var gotHash [32]byte
	copy(gotHash[:], h.Sum(nil))
	if uint64(written) != file.Size || gotHash != file.ContentHash {
		os.Remove(tmpPath)
		return "", &IntegrityFailed{Path: name}
	}

	finalPath, err := uniquePath(fs.cfg.DownloadDirectory, name)
	if err != nil {
		os.Remove(tmpPath)
		return "", &DownloadWriteFailed{Path: name, Cause: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", &DownloadWriteFailed{Path: finalPath, Cause: err}
	}

	return finalPath, nil
}

// uniquePath finds a non-colliding path for name within dir, appending
// " (n)" before the extension for each collision — scenario 3 of §8.
func uniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; n < 10000; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not find a free name for %q after 10000 attempts", name)
}

// hasMediaExtension reports whether name's suffix is one of cfg's
// recognized media extensions, independent of whether auto-open is
// currently enabled (that toggle lives on the dispatcher, see
// Dispatcher.ToggleAutoOpen).
func hasMediaExtension(cfg Config, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := cfg.MediaExtensions[ext]
	return ok
}
