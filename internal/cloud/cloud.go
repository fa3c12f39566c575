// Package cloud defines the storage accessor contract the coordination core
// consumes, plus vendor adapters (MinIO, AWS S3) and an in-memory adapter for
// tests and dev mode. The core never branches on vendor type; adapters are
// selected through the Registry by account scheme.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// Sentinel errors adapters must map vendor responses onto. Callers match
// them with errors.Is.
var (
	// ErrAlreadyExists signals a duplicate upload of an existing object.
	ErrAlreadyExists = errors.New("cloud object already exists")
	// ErrNotFound signals download/delete/lookup of a missing object.
	ErrNotFound = errors.New("cloud object not found")
	// ErrAuthExpired signals expired or revoked vendor credentials,
	// distinguishable from other failures so callers can refresh tokens.
	ErrAuthExpired = errors.New("cloud credentials expired or revoked")
)

// Options carries per-call metadata.
type Options struct {
	MimeType string
}

// Storage is the accessor contract for one vendor account.
type Storage interface {
	// UploadFile stores data under name and returns the vendor checksum.
	// Uploading over an existing object fails with ErrAlreadyExists.
	UploadFile(ctx context.Context, name string, data []byte, opts Options) (string, error)
	// DownloadFile returns the object bytes and vendor checksum.
	DownloadFile(ctx context.Context, name string, opts Options) ([]byte, string, error)
	DeleteFile(ctx context.Context, name string, opts Options) error
	LookupFile(ctx context.Context, name string, opts Options) (bool, error)
}

// ObjectName renders the versioned object key for a file. Versioning the key
// keeps apply retries idempotent: a retry that already uploaded version v+1
// sees ErrAlreadyExists instead of silently overwriting.
func ObjectName(folder, name string, version int32) string {
	versioned := fmt.Sprintf("%s.v%d", name, version)
	if folder == "" {
		return versioned
	}
	return path.Join(folder, versioned)
}

// Registry maps account-scheme identifiers to Storage adapters.
type Registry struct {
	adapters map[string]Storage
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Storage)}
}

// Register binds a scheme to an adapter, replacing any previous binding.
func (r *Registry) Register(scheme string, s Storage) {
	r.adapters[scheme] = s
}

// Get returns the adapter for scheme.
func (r *Registry) Get(scheme string) (Storage, error) {
	s, ok := r.adapters[scheme]
	if !ok {
		return nil, fmt.Errorf("no cloud storage registered for scheme %q", scheme)
	}
	return s, nil
}
