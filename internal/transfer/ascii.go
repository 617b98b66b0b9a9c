package transfer

import (
	"io"

	"golang.org/x/text/transform"
)

// toCRLF expands bare LF to CRLF for ASCII-mode downloads.
type toCRLF struct {
	prevCR bool
}

func (t *toCRLF) Reset() { t.prevCR = false }

func (t *toCRLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\n' && !t.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
		}
		t.prevCR = c == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}

// fromCRLF drops the CR of every CRLF pair for ASCII-mode uploads.
type fromCRLF struct {
	transform.NopResetter
}

func (fromCRLF) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c == '\r' {
			if nSrc+1 == len(src) {
				if !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
			} else if src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}

// asciiReader converts line endings of r for the given direction.
func asciiReader(r io.Reader, dir Direction) io.Reader {
	if dir == Download {
		return transform.NewReader(r, &toCRLF{})
	}
	return transform.NewReader(r, fromCRLF{})
}
