package changer

import (
	"encoding/json"
	"fmt"
)

// CommentFileResolverName is the registry key for the whole-file comment
// resolver.
const CommentFileResolverName = "commentFile"

// commentDocument is the serialized form of a comment file: an append-only
// list of comment elements.
type commentDocument struct {
	Elements []json.RawMessage `json:"elements"`
}

// CommentFile is a whole-file resolver for comment threads. Each change
// payload is one JSON comment object appended to the document's element
// list; appends commute with nothing, so applying them in batch order yields
// the per-file total order the core guarantees.
type CommentFile struct{}

// NewCommentFile constructs the resolver.
func NewCommentFile() *CommentFile {
	return &CommentFile{}
}

// Apply appends each change to the document. An empty current file starts a
// fresh document.
func (c *CommentFile) Apply(current []byte, changes [][]byte) ([]byte, error) {
	var doc commentDocument
	if len(current) > 0 {
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("parse comment file: %w", err)
		}
	}
	for i, change := range changes {
		if !json.Valid(change) {
			return nil, fmt.Errorf("change %d: invalid JSON comment", i)
		}
		doc.Elements = append(doc.Elements, json.RawMessage(change))
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize comment file: %w", err)
	}
	return out, nil
}
