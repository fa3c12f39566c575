// Package changer hosts the pluggable change-resolution layer: resolvers
// apply ordered sequences of opaque change payloads to a file's byte
// representation. The coordination core never interprets payload contents;
// it only picks the resolver registered under the name recorded for the file
// at v0-upload time.
package changer

import (
	"fmt"
)

// Resolver transforms a file's current bytes by applying change payloads in
// the order given.
type Resolver interface {
	// Apply takes the current serialized file (empty for a never-changed
	// v0 file with no intrinsic content model) and the ordered change
	// payloads, returning the new serialized file.
	Apply(current []byte, changes [][]byte) ([]byte, error)
}

// Registry maps resolver names to Resolver implementations.
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry constructs a registry preloaded with the built-in resolvers.
func NewRegistry() *Registry {
	r := &Registry{resolvers: make(map[string]Resolver)}
	r.Register(CommentFileResolverName, NewCommentFile())
	return r
}

// Register binds a name to a resolver, replacing any previous binding.
func (r *Registry) Register(name string, res Resolver) {
	r.resolvers[name] = res
}

// Get returns the resolver registered under name.
func (r *Registry) Get(name string) (Resolver, error) {
	res, ok := r.resolvers[name]
	if !ok {
		return nil, fmt.Errorf("no change resolver registered for %q", name)
	}
	return res, nil
}
