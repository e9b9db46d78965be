// Package docstore keeps the supporting documents of invoices. Objects are
// named by the sha256 of their content, so the same file always yields the
// same reference and the ledger only ever stores that reference.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/punchamoorthee/invoiceledger/internal/domain"
)

const refScheme = "minio://"

// Document describes a stored object.
type Document struct {
	Ref         string `json:"ref"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Store is the document store consumed by the API.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (*Document, error)
	Stat(ctx context.Context, ref string) (*Document, error)
}

// Digest returns the hex sha256 of data, which is also its object name.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref formats the reference of object in bucket.
func Ref(bucket, object string) string {
	return refScheme + bucket + "/" + object
}

// ParseRef splits a reference into bucket and object name.
func ParseRef(ref string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: document ref %q has no %s prefix", domain.ErrInvalidInput, ref, refScheme)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: malformed document ref %q", domain.ErrInvalidInput, ref)
	}
	return bucket, object, nil
}

// MemoryStore keeps documents in process. It is used when no object store
// is configured and in tests.
type MemoryStore struct {
	bucket string
	mu     sync.RWMutex
	docs   map[string]Document
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, docs: make(map[string]Document)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, contentType string) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrInvalidInput)
	}
	digest := Digest(data)
	doc := Document{Ref: Ref(s.bucket, digest), SHA256: digest, Size: int64(len(data)), ContentType: contentType}
	s.mu.Lock()
	s.docs[digest] = doc
	s.mu.Unlock()
	return &doc, nil
}

func (s *MemoryStore) Stat(ctx context.Context, ref string) (*Document, error) {
	bucket, object, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	doc, ok := s.docs[object]
	s.mu.RUnlock()
	if !ok || bucket != s.bucket {
		return nil, fmt.Errorf("document %s: %w", ref, domain.ErrNotFound)
	}
	return &doc, nil
}
