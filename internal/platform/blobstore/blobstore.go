// Package blobstore stores exam result files. Records keep only the object
// key; whether the key still resolves is asked of the store on every read.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidKey         = errors.New("invalid blob key")
)

// DefaultMaxFileSize is used when a store is built with a zero limit (25 MB).
const DefaultMaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists the file types accepted as exam results.
var AllowedContentTypes = map[string]bool{
	"application/pdf":   true,
	"image/png":         true,
	"image/jpeg":        true,
	"image/dicom":       true,
	"application/dicom": true,
	"text/plain":        true,
}

// Object describes a stored file.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ValidateUpload checks the file name and content type of an upload.
func ValidateUpload(fileName, contentType string) error {
	if strings.TrimSpace(fileName) == "" {
		return ErrMissingFileName
	}
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if !AllowedContentTypes[strings.TrimSpace(strings.ToLower(ct))] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	return nil
}

// NewKey builds a unique object key under prefix that keeps the original
// file extension, e.g. "exam/3f2c.../9a1b....pdf".
func NewKey(prefix, fileName string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(fileName, "\\", "/"))))
	return path.Join(prefix, uuid.New().String()+ext)
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + key)[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

// readLimited reads at most max bytes and hashes them. Larger content
// yields ErrFileTooLarge.
func readLimited(content io.Reader, max int64) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, "", ErrFileTooLarge
	}
	h := sha256.Sum256(data)
	return data, fmt.Sprintf("%x", h), nil
}

func newObject(key, contentType string, data []byte, hash string) *Object {
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		StoredAt:    time.Now().UTC(),
	}
}

func reader(data []byte) io.Reader { return bytes.NewReader(data) }
