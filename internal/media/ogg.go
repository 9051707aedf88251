package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Opus audio is stored in OGG containers. Each OGG page carries a segment
// (lacing) table; Opus packets are reconstructed by walking it: a segment of
// exactly 255 bytes means the packet continues into the next segment (possibly
// on the next page), any shorter segment terminates it. The first two pages of
// an Opus stream are the identification and comment headers and carry no
// audio.

const (
	oggPageHeaderLen = 27
	oggMaxSegments   = 255

	// The ID and comment header pages precede audio data.
	oggHeaderPages = 2
)

var oggCapturePattern = [4]byte{'O', 'g', 'g', 'S'}

// ErrInvalidOGG reports a stream that does not start with a valid OGG page.
var ErrInvalidOGG = errors.New("invalid OGG capture pattern")

// OggOpusReader reconstructs Opus packets from an OGG stream.
type OggOpusReader struct {
	r         *bufio.Reader
	pagesRead int

	// queue holds fully reconstructed packets from the current page.
	queue [][]byte
	// pending accumulates a packet that continues across a page boundary.
	pending []byte
}

// NewOggOpusReader wraps a raw OGG stream.
func NewOggOpusReader(r io.Reader) *OggOpusReader {
	return &OggOpusReader{r: bufio.NewReader(r)}
}

// NextPacket returns the next Opus packet in stream order.
// Returns io.EOF once the stream is exhausted.
func (o *OggOpusReader) NextPacket() ([]byte, error) {
	for len(o.queue) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	pkt := o.queue[0]
	o.queue = o.queue[1:]
	return pkt, nil
}

// readPage consumes one OGG page, appending completed packets to the queue.
// Header pages are parsed but their packets discarded.
func (o *OggOpusReader) readPage() error {
	header := make([]byte, oggPageHeaderLen)
	if _, err := io.ReadFull(o.r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) && o.pagesRead > 0 {
			return io.EOF
		}
		if errors.Is(err, io.EOF) && o.pagesRead > 0 {
			return io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrInvalidOGG
		}
		return fmt.Errorf("read page header: %w", err)
	}

	if [4]byte(header[0:4]) != oggCapturePattern {
		return ErrInvalidOGG
	}
	if header[4] != 0 {
		return fmt.Errorf("unsupported OGG version %d", header[4])
	}

	segCount := int(header[26])
	segTable := make([]byte, segCount)
	if _, err := io.ReadFull(o.r, segTable); err != nil {
		return fmt.Errorf("read segment table: %w", err)
	}

	payloadLen := 0
	for _, l := range segTable {
		payloadLen += int(l)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(o.r, payload); err != nil {
		return fmt.Errorf("read page payload: %w", err)
	}

	o.pagesRead++
	isHeaderPage := o.pagesRead <= oggHeaderPages

	// Walk the lacing table. A 255-byte segment continues the current
	// packet; anything shorter completes it.
	offset := 0
	for _, segLen := range segTable {
		o.pending = append(o.pending, payload[offset:offset+int(segLen)]...)
		offset += int(segLen)

		if segLen == oggMaxSegments {
			continue
		}
		if !isHeaderPage && len(o.pending) > 0 {
			pkt := make([]byte, len(o.pending))
			copy(pkt, o.pending)
			o.queue = append(o.queue, pkt)
		}
		o.pending = o.pending[:0]
	}

	if isHeaderPage {
		// A header page never shares lacing state with audio data.
		o.pending = o.pending[:0]
	}

	return nil
}
