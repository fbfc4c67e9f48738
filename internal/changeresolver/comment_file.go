package changeresolver

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommentFileName is the resolver name of CommentFile.
const CommentFileName = "CommentFile"

// ErrInvalidComment indicates a change that is not a JSON object with a string "id".
var ErrInvalidComment = errors.New("invalid comment record")

// CommentFile treats a file as a JSON document of comment records:
//
//	{"elements": [{"id": "...", ...}, ...]}
//
// Each change is one record appended to the document. A record whose id is
// already present is ignored, so re-applying a batch is harmless.
type CommentFile struct{}

// Name implements Resolver.
func (CommentFile) Name() string { return CommentFileName }

type commentDocument struct {
	Elements []json.RawMessage `json:"elements"`
}

// NewReplacer implements Resolver. Empty contents start an empty document.
func (CommentFile) NewReplacer(current []byte) (Replacer, error) {
	c := &commentFile{ids: make(map[string]bool)}
	if len(current) == 0 {
		return c, nil
	}

	if err := json.Unmarshal(current, &c.doc); err != nil {
		return nil, fmt.Errorf("comment file is not valid JSON: %w", err)
	}
	for _, raw := range c.doc.Elements {
		id, err := recordID(raw)
		if err != nil {
			return nil, err
		}
		c.ids[id] = true
	}
	return c, nil
}

type commentFile struct {
	doc commentDocument
	ids map[string]bool
}

func recordID(raw []byte) (string, error) {
	var record struct {
		ID *string `json:"id"`
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidComment, err)
	}
	if record.ID == nil || *record.ID == "" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidComment)
	}
	return *record.ID, nil
}

func (c *commentFile) Add(change []byte) error {
	id, err := recordID(change)
	if err != nil {
		return err
	}
	if c.ids[id] {
		return nil
	}
	c.ids[id] = true
	c.doc.Elements = append(c.doc.Elements, json.RawMessage(append([]byte(nil), change...)))
	return nil
}

func (c *commentFile) Data() ([]byte, error) {
	if c.doc.Elements == nil {
		c.doc.Elements = []json.RawMessage{}
	}
	return json.Marshal(c.doc)
}
