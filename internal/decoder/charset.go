package decoder

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// SMPP data_coding values the upstream gateway emits.
const (
	dataCodingDefault = 0 // SMSC default alphabet
	dataCodingIA5     = 1 // IA5/ASCII
	dataCodingLatin1  = 3
	dataCodingUCS2    = 8
)

// decodeText converts raw message bytes to a string according to the SMPP
// data coding scheme. Undecodable sequences are replaced, never dropped, so
// the decoded form always reflects the original length.
func decodeText(raw []byte, dataCoding *int) string {
	dc := dataCodingDefault
	if dataCoding != nil {
		dc = *dataCoding
	}
	switch dc {
	case dataCodingDefault, dataCodingIA5:
		return decodeASCII(raw)
	case dataCodingLatin1:
		return decodeLatin1(raw)
	case dataCodingUCS2:
		return decodeUCS2(raw)
	default:
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
}

func decodeASCII(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c < utf8.RuneSelf {
			b.WriteByte(c)
		} else {
			b.WriteRune(utf8.RuneError)
		}
	}
	return b.String()
}

func decodeLatin1(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteRune(rune(c))
	}
	return b.String()
}

func decodeUCS2(raw []byte) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
	}
	decoded := utf16.Decode(units)
	if len(raw)%2 != 0 {
		decoded = append(decoded, utf8.RuneError)
	}
	return string(decoded)
}
