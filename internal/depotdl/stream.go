package depotdl

import (
	"bytes"
	"io"
	"strings"
)

const readChunkSize = 1024

// Markers DepotDownloader prints without a trailing newline while it waits on stdin.
var promptMarkers = [][]byte{
	[]byte("STEAM GUARD! Please enter the auth code sent to the email at"),
	[]byte("STEAM GUARD! Please enter your 2-factor auth code from your authenticator app"),
}

func IsAuthPrompt(line string) bool {
	for _, m := range promptMarkers {
		if strings.Contains(line, string(m)) {
			return true
		}
	}
	return false
}

// Demuxer turns a raw output stream into decoded lines.
type Demuxer struct {
	decoder Decoder
	emit    func(line string)

	pending       []byte
	promptEmitted []byte
}

func NewDemuxer(decoder Decoder, emit func(line string)) *Demuxer {
	if decoder == nil {
		decoder = UTF8Decoder{}
	}
	return &Demuxer{decoder: decoder, emit: emit}
}

// Run reads r until EOF or error and returns the read error, if any, after flushing
// the remaining partial line.
func (d *Demuxer) Run(r io.Reader) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err != nil {
			d.Flush()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (d *Demuxer) Feed(chunk []byte) {
	d.pending = append(d.pending, chunk...)
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(d.pending[:idx], []byte{'\r'})
		d.emitLine(line)
		d.pending = d.pending[idx+1:]
	}
	if len(d.pending) > 0 && d.promptEmitted == nil && containsPrompt(d.pending) {
		d.promptEmitted = append([]byte(nil), d.pending...)
		d.emit(d.decoder.Decode(d.pending))
	}
}

func (d *Demuxer) Flush() {
	if len(d.pending) == 0 {
		return
	}
	line := bytes.TrimSuffix(d.pending, []byte{'\r'})
	d.pending = nil
	d.emitLine(line)
}

func (d *Demuxer) emitLine(line []byte) {
	already := d.promptEmitted
	d.promptEmitted = nil
	if already != nil && bytes.Equal(bytes.TrimRight(already, "\r"), line) {
		return
	}
	d.emit(d.decoder.Decode(line))
}

func containsPrompt(b []byte) bool {
	for _, m := range promptMarkers {
		if bytes.Contains(b, m) {
			return true
		}
	}
	return false
}
