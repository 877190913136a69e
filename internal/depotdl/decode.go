package depotdl

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const codePageUTF8 = 65001

// Decoder converts raw console bytes to text. Implementations never fail.
type Decoder interface {
	Decode(b []byte) string
}

type UTF8Decoder struct{}

func (UTF8Decoder) Decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

var codePages = map[uint32]encoding.Encoding{
	437:   charmap.CodePage437,
	850:   charmap.CodePage850,
	852:   charmap.CodePage852,
	855:   charmap.CodePage855,
	858:   charmap.CodePage858,
	860:   charmap.CodePage860,
	862:   charmap.CodePage862,
	863:   charmap.CodePage863,
	865:   charmap.CodePage865,
	866:   charmap.CodePage866,
	874:   charmap.Windows874,
	1250:  charmap.Windows1250,
	1251:  charmap.Windows1251,
	1252:  charmap.Windows1252,
	1253:  charmap.Windows1253,
	1254:  charmap.Windows1254,
	1255:  charmap.Windows1255,
	1256:  charmap.Windows1256,
	1257:  charmap.Windows1257,
	1258:  charmap.Windows1258,
	28591: charmap.ISO8859_1,
}

var fallbackCodePages = []uint32{437, 850, 1252}

type codePageDecoder struct {
	encodings []encoding.Encoding
}

// DecoderForCodePages tries the given code pages in order, then CP437, CP850 and
// Windows-1252, and finally lossy UTF-8. Valid UTF-8 input is returned unchanged.
func DecoderForCodePages(probed ...uint32) Decoder {
	seen := map[uint32]bool{}
	d := codePageDecoder{}
	for _, cp := range append(append([]uint32(nil), probed...), fallbackCodePages...) {
		if cp == 0 || cp == codePageUTF8 || seen[cp] {
			continue
		}
		seen[cp] = true
		if enc, ok := codePages[cp]; ok {
			d.encodings = append(d.encodings, enc)
		}
	}
	return d
}

func (d codePageDecoder) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range d.encodings {
		out, err := enc.NewDecoder().Bytes(b)
		if err == nil {
			return string(out)
		}
	}
	return UTF8Decoder{}.Decode(b)
}
