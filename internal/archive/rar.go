package archive

import (
	"io"
	"os"

	"github.com/nwaples/rardecode/v2"
)

// rarSource adapts rardecode/v2's streaming reader into the sequential
// memberSource contract shared with zipSource.
type rarSource struct {
	reader *rardecode.ReadCloser
}

func newRarSource(path string) (memberSource, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &rarSource{reader: r}, nil
}

func (s *rarSource) next() (memberHeader, io.Reader, error) {
	fh, err := s.reader.Next()
	if err != nil {
		return memberHeader{}, nil, err
	}

	header := memberHeader{
		name:             fh.Name,
		isDir:            fh.IsDir,
		isSymlink:        fh.Mode()&os.ModeSymlink != 0,
		encrypted:        fh.Encrypted,
		compressedSize:   fh.PackedSize,
		uncompressedSize: fh.UnPackedSize,
	}
	if header.isDir || header.isSymlink || header.encrypted {
		return header, nil, nil
	}
	return header, s.reader, nil
}

func (s *rarSource) close() error {
	return s.reader.Close()
}
