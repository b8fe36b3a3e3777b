package parser

import (
	"errors"
	"fmt"
)

// Results of MessageComplete.
const (
	Malformed  = -1
	Incomplete = 0
	Complete   = 1
)

var errIncomplete = errors.New("unexpected end of data")

// decodeLength reads a definite BER length from the start of b and returns
// it along with the number of header bytes consumed.
func decodeLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, errIncomplete
	}

	firstByte := b[0]

	// Short form (length < 128)
	if firstByte&0x80 == 0 {
		return int(firstByte), 1, nil
	}

	// Long form
	lengthBytes := int(firstByte & 0x7F)
	if lengthBytes == 0 {
		return 0, 0, fmt.Errorf("indefinite length not supported")
	}

	if lengthBytes > 4 {
		return 0, 0, fmt.Errorf("length too long: %d bytes", lengthBytes)
	}

	if len(b) < 1+lengthBytes {
		return 0, 0, errIncomplete
	}

	length := 0
	for _, c := range b[1 : 1+lengthBytes] {
		length = (length << 8) | int(c)
	}
	if length < 0 {
		return 0, 0, fmt.Errorf("length overflows")
	}

	return length, 1 + lengthBytes, nil
}

// MessageComplete inspects the outer SEQUENCE header of buf, which holds the
// bytes of a stream connection received so far. It returns Complete when a
// whole message is present, Incomplete when more bytes are needed and
// Malformed when the header can never become valid.
func MessageComplete(buf []byte) int {
	size, err := MessageSize(buf)
	switch {
	case errors.Is(err, errIncomplete):
		return Incomplete
	case err != nil:
		return Malformed
	case len(buf) < size:
		return Incomplete
	}
	return Complete
}

// MessageSize returns the total size of the message starting at buf as
// declared by its outer header.
func MessageSize(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, errIncomplete
	}
	if buf[0] != tagSequence {
		return 0, fmt.Errorf("expected SNMP sequence, got 0x%02x", buf[0])
	}

	length, n, err := decodeLength(buf[1:])
	if err != nil {
		return 0, err
	}
	return 1 + n + length, nil
}
