package wirex

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// CmdSendCmpct is the command string for the sendcmpct message.
const CmdSendCmpct = "sendcmpct"

// MaxCompactVersion is the highest compact block protocol version we
// recognize in a sendcmpct announcement.
const MaxCompactVersion = 2

// MsgSendCmpct implements the wire.Message interface and announces support
// for compact block relay per BIP152. The Announce flag selects push relay of
// compact blocks over inv/headers announcements.
type MsgSendCmpct struct {
	Announce bool
	Version  uint64
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the wire.Message interface implementation.
func (msg *MsgSendCmpct) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	switch buf[0] {
	case 0x00:
		msg.Announce = false
	case 0x01:
		msg.Announce = true
	default:
		return fmt.Errorf("sendcmpct announce byte %#x out of range",
			buf[0])
	}

	msg.Version = binary.LittleEndian.Uint64(buf[1:])
	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the wire.Message interface implementation.
func (msg *MsgSendCmpct) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	var buf [9]byte
	if msg.Announce {
		buf[0] = 0x01
	}
	binary.LittleEndian.PutUint64(buf[1:], msg.Version)

	_, err := w.Write(buf[:])
	return err
}

// Command returns the protocol command string for the message.
// This is part of the wire.Message interface implementation.
func (msg *MsgSendCmpct) Command() string {
	return CmdSendCmpct
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the wire.Message interface implementation.
func (msg *MsgSendCmpct) MaxPayloadLength(pver uint32) uint32 {
	return 9
}

// NewMsgSendCmpct returns a new sendcmpct message conforming to the
// wire.Message interface.
func NewMsgSendCmpct(announce bool, version uint64) *MsgSendCmpct {
	return &MsgSendCmpct{
		Announce: announce,
		Version:  version,
	}
}
