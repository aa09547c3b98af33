package bhspc

import (
	"bufio"
	"fmt"
	"io"
)

// FileHeaderSize is the size of the .spc file header. The header is the
// first FIFO word the board produces when armed; it encodes the macrotime
// resolution and routing configuration and is carried through opaquely so
// written files stay byte-compatible with the vendor tooling.
const FileHeaderSize = 4

// FileReader streams raw FIFO records out of a .spc file.
type FileReader struct {
	r      *bufio.Reader
	header [FileHeaderSize]byte
}

// NewFileReader reads the file header and positions the reader at the
// first record.
func NewFileReader(r io.Reader) (*FileReader, error) {
	fr := &FileReader{r: bufio.NewReaderSize(r, 64*1024)}
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, fmt.Errorf("bhspc: reading spc header: %w", err)
	}
	return fr, nil
}

// Header returns the raw 4-byte file header.
func (fr *FileReader) Header() [FileHeaderSize]byte { return fr.header }

// ReadBatch fills buf with whole records and returns the number of bytes
// read. It returns io.EOF with n == 0 once the stream is exhausted; a
// trailing partial record is an error.
func (fr *FileReader) ReadBatch(buf []byte) (int, error) {
	if len(buf) < RecordSize {
		return 0, fmt.Errorf("bhspc: batch buffer smaller than one record")
	}
	buf = buf[:len(buf)/RecordSize*RecordSize]
	n, err := io.ReadFull(fr.r, buf)
	switch err {
	case nil:
		return n, nil
	case io.ErrUnexpectedEOF:
		if n%RecordSize != 0 {
			return n - n%RecordSize, fmt.Errorf("bhspc: truncated record at end of file")
		}
		return n, nil
	default:
		return n, err
	}
}

// FileWriter archives raw FIFO records to a .spc file.
type FileWriter struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewFileWriter writes the file header and returns a writer for records.
func NewFileWriter(w io.Writer, header [FileHeaderSize]byte) (*FileWriter, error) {
	fw := &FileWriter{w: bufio.NewWriterSize(w, 64*1024)}
	if c, ok := w.(io.Closer); ok {
		fw.closer = c
	}
	if _, err := fw.w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("bhspc: writing spc header: %w", err)
	}
	return fw, nil
}

// Write appends raw record bytes.
func (fw *FileWriter) Write(p []byte) (int, error) {
	if len(p)%RecordSize != 0 {
		return 0, fmt.Errorf("bhspc: write of %d bytes is not whole records", len(p))
	}
	return fw.w.Write(p)
}

// Close flushes buffered records and closes the underlying file when it is
// closeable.
func (fw *FileWriter) Close() error {
	if err := fw.w.Flush(); err != nil {
		return err
	}
	if fw.closer != nil {
		return fw.closer.Close()
	}
	return nil
}
