package depotdl

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, r io.Reader) ([]string, error) {
	t.Helper()
	var lines []string
	err := NewDemuxer(UTF8Decoder{}, func(line string) { lines = append(lines, line) }).Run(r)
	return lines, err
}

func TestDemuxerSplitsLinesAndStripsCR(t *testing.T) {
	lines, err := collect(t, strings.NewReader("one\r\ntwo\nthree"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"one", "two", "three"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines mismatch: got %q want %q", lines, want)
	}
}

func TestDemuxerJoinsLinesAcrossChunks(t *testing.T) {
	r := &chunkReader{chunks: []string{"Depot 10 - Man", "ifest 20\nDepot", " 11\n"}}
	lines, err := collect(t, r)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 2 || lines[0] != "Depot 10 - Manifest 20" || lines[1] != "Depot 11" {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestDemuxerHandlesLongLines(t *testing.T) {
	long := strings.Repeat("x", 5000)
	lines, err := collect(t, iotest.OneByteReader(strings.NewReader(long+"\nend\n")))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lines) != 2 || lines[0] != long || lines[1] != "end" {
		t.Fatalf("unexpected long-line split: %d lines", len(lines))
	}
}

func TestDemuxerEmitsPromptWithoutNewlineOnce(t *testing.T) {
	prompt := "STEAM GUARD! Please enter the auth code sent to the email at b***@x.com: "
	r := &chunkReader{chunks: []string{"Logging in\n", prompt[:20], prompt[20:], "\n", "Done\n"}}
	var lines []string
	d := NewDemuxer(UTF8Decoder{}, func(line string) { lines = append(lines, line) })
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
			if len(lines) == 2 && lines[1] != prompt {
				t.Fatalf("prompt not emitted as partial: %q", lines)
			}
		}
		if err != nil {
			break
		}
	}
	d.Flush()

	want := []string{"Logging in", prompt, "Done"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines mismatch:\n got %q\nwant %q", lines, want)
	}
}

func TestDemuxerFlushesOnReadError(t *testing.T) {
	boom := errors.New("boom")
	lines, err := collect(t, &chunkReader{chunks: []string{"a\npartial"}, err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if len(lines) != 2 || lines[1] != "partial" {
		t.Fatalf("expected flushed partial line, got %q", lines)
	}
}

func TestIsAuthPrompt(t *testing.T) {
	if !IsAuthPrompt("STEAM GUARD! Please enter your 2-factor auth code from your authenticator app: ") {
		t.Fatal("expected 2fa prompt to match")
	}
	if IsAuthPrompt("Depot 10 - Manifest 20") {
		t.Fatal("unexpected prompt match")
	}
}

func TestCodePageDecoderFallsBackToLegacyEncodings(t *testing.T) {
	d := DecoderForCodePages(0, 65001)
	if got := d.Decode([]byte{'C', 'a', 'f', 0x82}); got != "Café" {
		t.Fatalf("expected CP437 decode, got %q", got)
	}
	if got := d.Decode([]byte("plain utf-8 ✓")); got != "plain utf-8 ✓" {
		t.Fatalf("valid utf-8 changed: %q", got)
	}

	cyr := DecoderForCodePages(866)
	if got := cyr.Decode([]byte{0x8f, 0xe0, 0xa8}); got != "При" {
		t.Fatalf("expected CP866 decode, got %q", got)
	}
}

func TestUTF8DecoderIsLossy(t *testing.T) {
	if got := (UTF8Decoder{}).Decode([]byte{'a', 0xff, 'b'}); got != "a�b" {
		t.Fatalf("unexpected lossy decode: %q", got)
	}
}
