package changeresolver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
)

func TestManager(t *testing.T) {
	m := NewDefaultManager()

	assert.Equal(t, []string{CommentFileName, domain.WholeFileReplacerName}, m.Names())
	assert.True(t, m.Valid(domain.WholeFileReplacerName))
	assert.False(t, m.Valid("Nope"))

	_, err := m.Get("Nope")
	assert.ErrorIs(t, err, domain.ErrChangeResolverNotFound)

	assert.ErrorIs(t, m.Register(CommentFile{}), ErrDuplicateResolver)
}

func TestWholeFileReplacer(t *testing.T) {
	out, err := Apply(WholeFileReplacer{}, []byte("v0"), [][]byte{[]byte("v1"), []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), out)

	out, err = Apply(WholeFileReplacer{}, []byte("v0"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v0"), out)
}

func TestCommentFile(t *testing.T) {
	changes := [][]byte{
		[]byte(`{"id":"1","text":"first"}`),
		[]byte(`{"id":"2","text":"second"}`),
		[]byte(`{"id":"1","text":"first again"}`),
	}

	out, err := Apply(CommentFile{}, nil, changes)
	require.NoError(t, err)

	var doc struct {
		Elements []map[string]string `json:"elements"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "first", doc.Elements[0]["text"])
	assert.Equal(t, "second", doc.Elements[1]["text"])

	// Applying to the produced document keeps existing records.
	out, err = Apply(CommentFile{}, out, [][]byte{[]byte(`{"id":"3","text":"third"}`)})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Len(t, doc.Elements, 3)
}

func TestCommentFile_InvalidInput(t *testing.T) {
	_, err := Apply(CommentFile{}, nil, [][]byte{[]byte(`{"text":"no id"}`)})
	assert.ErrorIs(t, err, ErrInvalidComment)

	_, err = Apply(CommentFile{}, []byte("not json"), nil)
	assert.Error(t, err)

	out, err := Apply(CommentFile{}, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[]}`, string(out))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidV0(WholeFileReplacer{}, []byte("anything")))
	assert.NoError(t, ValidV0(CommentFile{}, []byte(`{"elements":[]}`)))
	assert.Error(t, ValidV0(CommentFile{}, []byte("not json")))

	assert.NoError(t, ValidChange(WholeFileReplacer{}, []byte("replacement")))
	assert.NoError(t, ValidChange(CommentFile{}, []byte(`{"id":"1"}`)))
	assert.ErrorIs(t, ValidChange(CommentFile{}, []byte(`{"text":"no id"}`)), ErrInvalidComment)
}
