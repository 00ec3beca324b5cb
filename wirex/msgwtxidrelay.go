package wirex

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// CmdWTxIdRelay is the command string for the wtxidrelay message.
const CmdWTxIdRelay = "wtxidrelay"

// MsgWTxIdRelay implements the wire.Message interface and signals, per
// BIP339, that transaction relay should key announcements by witness txid.
// It carries no payload and must be sent between version and verack.
type MsgWTxIdRelay struct{}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the wire.Message interface implementation.
func (msg *MsgWTxIdRelay) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the wire.Message interface implementation.
func (msg *MsgWTxIdRelay) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	return nil
}

// Command returns the protocol command string for the message.
// This is part of the wire.Message interface implementation.
func (msg *MsgWTxIdRelay) Command() string {
	return CmdWTxIdRelay
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the wire.Message interface implementation.
func (msg *MsgWTxIdRelay) MaxPayloadLength(pver uint32) uint32 {
	return 0
}

// NewMsgWTxIdRelay returns a new wtxidrelay message conforming to the
// wire.Message interface.
func NewMsgWTxIdRelay() *MsgWTxIdRelay {
	return &MsgWTxIdRelay{}
}
