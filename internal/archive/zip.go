package archive

import (
	"archive/zip"
	"io"
	"os"
)

// zipSource adapts archive/zip's member list into the sequential memberSource
// contract shared with rarSource.
type zipSource struct {
	reader *zip.ReadCloser
	files  []*zip.File
	pos    int
}

func newZipSource(path string) (memberSource, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &zipSource{reader: r, files: r.File}, nil
}

func (z *zipSource) next() (memberHeader, io.Reader, error) {
	if z.pos >= len(z.files) {
		return memberHeader{}, nil, io.EOF
	}
	f := z.files[z.pos]
	z.pos++

	mode := f.Mode()
	header := memberHeader{
		name:             f.Name,
		isDir:            f.FileInfo().IsDir(),
		isSymlink:        mode&os.ModeSymlink != 0,
		isDevice:         mode&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0,
		encrypted:        f.Flags&0x1 != 0,
		compressedSize:   int64(f.CompressedSize64),
		uncompressedSize: int64(f.UncompressedSize64),
	}
	if header.isDir || header.isSymlink || header.isDevice || header.encrypted {
		return header, nil, nil
	}
	body, err := f.Open()
	if err != nil {
		return memberHeader{}, nil, err
	}
	return header, body, nil
}

func (z *zipSource) close() error {
	return z.reader.Close()
}
