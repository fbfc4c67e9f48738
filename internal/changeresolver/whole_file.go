package changeresolver

import "github.com/prn-tf/syncserver/internal/domain"

// WholeFileReplacer treats each change as the complete new contents of the file.
// The last change of a batch wins.
type WholeFileReplacer struct{}

// Name implements Resolver.
func (WholeFileReplacer) Name() string { return domain.WholeFileReplacerName }

// NewReplacer implements Resolver.
func (WholeFileReplacer) NewReplacer(current []byte) (Replacer, error) {
	return &wholeFile{data: current}, nil
}

type wholeFile struct {
	data []byte
}

func (w *wholeFile) Add(change []byte) error {
	w.data = change
	return nil
}

func (w *wholeFile) Data() ([]byte, error) {
	return w.data, nil
}
