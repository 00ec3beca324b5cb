package peer

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/neterror"
)

// HeadingSize is the fixed length of a message heading on the wire:
// magic(4) | command(12, zero padded) | payload length(4) | checksum(4).
const HeadingSize = 24

// commandSize is the fixed width of the zero padded command field.
const commandSize = 12

// Heading is the parsed fixed-size prefix of one framed message.
type Heading struct {
	Magic         uint32
	Command       string
	PayloadLength uint32
	Checksum      [4]byte
}

// ParseHeading decodes a heading from buf, validating the magic against the
// configured network identifier and the payload length against maxPayload.
// The command is not checked for membership in the
// message enumeration here; unknown commands are the read loop's concern.
func ParseHeading(buf []byte, magic uint32,
	maxPayload uint32) (Heading, error) {

	var h Heading
	if len(buf) != HeadingSize {
		return h, neterror.ErrInvalidHeading
	}

	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != magic {
		return h, neterror.ErrInvalidMagic
	}

	// The command occupies a fixed width, padded with zero bytes. Any
	// byte after the first zero must also be zero.
	command := buf[4 : 4+commandSize]
	end := bytes.IndexByte(command, 0x00)
	if end == -1 {
		end = commandSize
	} else {
		for _, b := range command[end:] {
			if b != 0x00 {
				return h, neterror.ErrInvalidHeading
			}
		}
	}
	h.Command = string(command[:end])

	h.PayloadLength = binary.LittleEndian.Uint32(buf[16:20])
	if h.PayloadLength > maxPayload {
		return h, neterror.ErrOversizedPayload
	}

	copy(h.Checksum[:], buf[20:24])
	return h, nil
}

// Encode writes the heading into buf, which must be HeadingSize long.
func (h Heading) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)

	for i := 0; i < commandSize; i++ {
		buf[4+i] = 0x00
	}
	copy(buf[4:4+commandSize], h.Command)

	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLength)
	copy(buf[20:24], h.Checksum[:])
}

// VerifyChecksum reports whether the heading's checksum matches the payload.
func (h Heading) VerifyChecksum(payload []byte) bool {
	var sum [4]byte
	copy(sum[:], chainhash.DoubleHashB(payload))
	return sum == h.Checksum
}

// checksum computes the 4-byte double-SHA256 prefix over payload.
func checksum(payload []byte) [4]byte {
	var sum [4]byte
	copy(sum[:], chainhash.DoubleHashB(payload))
	return sum
}

// MaximumPayload derives the largest admissible payload for the given
// witness setting: nodes advertising witness service accept the segwit
// block weight limit, others the legacy limit plus framing slack.
func MaximumPayload(witness bool) uint32 {
	if witness {
		return 4_000_000
	}
	return 1_800_003
}

// encoding selects the message encoding used with the wire codec.
func encoding(witness bool) wire.MessageEncoding {
	if witness {
		return wire.WitnessEncoding
	}
	return wire.BaseEncoding
}
