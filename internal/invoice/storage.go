package invoice

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxPersistAttempts = 3

// AttachmentStore defines the interface for attachment file storage
type AttachmentStore interface {
	// Persist writes data to a new unique path and never overwrites an existing file
	Persist(messageID, filename string, data []byte) (StoredFile, error)

	// Open reads back a previously persisted file
	Open(path string) ([]byte, error)
}

// SuffixGenerator produces the random part of a stored file name
type SuffixGenerator interface {
	Generate() string
}

type uuidSuffix struct{}

func (uuidSuffix) Generate() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// LocalStorage implements AttachmentStore on the local filesystem
type LocalStorage struct {
	basePath string
	suffix   SuffixGenerator
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	return NewLocalStorageWithSuffix(basePath, uuidSuffix{})
}

// NewLocalStorageWithSuffix creates a LocalStorage with a custom suffix generator for testing
func NewLocalStorageWithSuffix(basePath string, suffix SuffixGenerator) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		suffix:   suffix,
	}, nil
}

// Persist saves an attachment under nota_<message>_<suffix>_<filename>
func (l *LocalStorage) Persist(messageID, filename string, data []byte) (StoredFile, error) {
	clean := sanitizeFilename(filename)
	msg := sanitizeComponent(messageID)
	if msg == "" {
		msg = "msg"
	}

	for attempt := 0; attempt < maxPersistAttempts; attempt++ {
		name := fmt.Sprintf("nota_%s_%s_%s", msg, l.suffix.Generate(), clean)
		err := writeExclusive(filepath.Join(l.basePath, name), data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return StoredFile{}, fmt.Errorf("%w: writing %s: %w", ErrIO, name, err)
		}
		return StoredFile{
			Path:        name,
			Filename:    filename,
			ContentType: detectContentType(clean, data),
			Size:        int64(len(data)),
		}, nil
	}

	return StoredFile{}, fmt.Errorf("%w: no free path for %s after %d attempts", ErrIO, clean, maxPersistAttempts)
}

// Open retrieves a file from local storage
func (l *LocalStorage) Open(path string) ([]byte, error) {
	if !fs.ValidPath(path) || strings.Contains(path, "/") {
		return nil, fmt.Errorf("%w: invalid path %q", ErrNotFound, path)
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

func sanitizeComponent(s string) string {
	return unsafeChars.ReplaceAllString(s, "")
}

// sanitizeFilename keeps a short, filesystem-safe version of the attachment name
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 6 || unsafeChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	base = spaces.ReplaceAllString(strings.TrimSpace(base), "_")
	base = sanitizeComponent(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "anexo"
	}
	return base + ext
}

func detectContentType(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if sniffed == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".png":
			return "image/png"
		}
	}
	return sniffed
}
