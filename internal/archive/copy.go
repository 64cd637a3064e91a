package archive

import "io"

// CopyArchive validates the archive read from src against the grammar
// (magic, node tags, field order, directory ordering, name legality)
// while copying every byte verbatim to dst, so a corrupt archive is
// rejected without buffering the whole archive in memory; bytes read
// before the error have already been written to dst — grounded on the
// teacher's blobwriter, which hashes while it writes rather than
// hashing after the fact (registry/storage/blobwriter.go).
func CopyArchive(dst io.Writer, src io.Reader) (int64, error) {
	counter := &countingWriter{w: dst}
	tee := io.TeeReader(src, counter)
	sink := &discardSink{}
	if err := Parse(tee, sink); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// discardSink implements Sink without materializing anything; it exists
// so CopyArchive can reuse Parse purely for validation.
type discardSink struct{}

func (discardSink) CreateDir(string) error          { return nil }
func (discardSink) CreateRegular(string) error      { return nil }
func (discardSink) SetExecutable() error            { return nil }
func (discardSink) Preallocate(int64) error         { return nil }
func (discardSink) Receive([]byte) error            { return nil }
func (discardSink) CloseRegular() error             { return nil }
func (discardSink) CreateSymlink(_, _ string) error { return nil }
func (discardSink) LeaveDir() error                 { return nil }
