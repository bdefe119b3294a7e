// Package blobstore keeps the uploaded form documents. Form records hold
// only the object key; the bytes live in a Store backed by memory (dev and
// tests) or S3.
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
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrObjectNotFound  = errors.New("stored file not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrUnsupportedType = errors.New("file type is not allowed")
	ErrMissingFileName = errors.New("file name is required")
)

// DefaultMaxFileSize is the upload ceiling used when none is configured.
const DefaultMaxFileSize = 10 * 1024 * 1024

// contentTypes maps the accepted form extensions to their MIME types.
var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// Object describes a stored file.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// Extension returns the lowercased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// ContentTypeFor returns the MIME type for an accepted file name.
func ContentTypeFor(name string) (string, bool) {
	ct, ok := contentTypes[Extension(name)]
	return ct, ok
}

// ValidateUpload checks the declared name and size of an upload against the
// accepted extensions and maxBytes.
func ValidateUpload(name string, size, maxBytes int64) error {
	if strings.TrimSpace(name) == "" {
		return ErrMissingFileName
	}
	if size > maxBytes {
		return fmt.Errorf("%w: %d MB limit", ErrFileTooLarge, maxBytes/(1024*1024))
	}
	if _, ok := ContentTypeFor(name); !ok {
		return fmt.Errorf("%w: only PDF, PNG and JPG files are accepted", ErrUnsupportedType)
	}
	return nil
}

// NewKey builds a date-partitioned key for a new upload, keeping the
// original extension.
func NewKey(fileName string, now time.Time) string {
	return fmt.Sprintf("patient_forms/%s/%s.%s", now.UTC().Format("2006/01/02"), uuid.New(), Extension(fileName))
}

// readAll buffers content up to limit bytes and hashes it.
func readAll(content io.Reader, limit int64) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read content: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", ErrFileTooLarge
	}
	return data, fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

type storedObject struct {
	meta Object
	data []byte
}

// MemoryStore is a thread-safe in-process Store.
type MemoryStore struct {
	maxBytes int64

	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSize
	}
	return &MemoryStore{maxBytes: maxBytes, objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if key == "" {
		return nil, ErrMissingFileName
	}
	data, hash, err := readAll(content, s.maxBytes)
	if err != nil {
		return nil, err
	}
	meta := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &storedObject{meta: meta, data: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	meta := obj.meta
	return io.NopCloser(bytes.NewReader(obj.data)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}
