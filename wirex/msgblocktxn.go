package wirex

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// CmdGetBlockTxn is the command string for the getblocktxn message.
const CmdGetBlockTxn = "getblocktxn"

// CmdBlockTxn is the command string for the blocktxn message.
const CmdBlockTxn = "blocktxn"

// MsgGetBlockTxn implements the wire.Message interface and requests the
// transactions of a compact block that short id matching failed to recover,
// identified by differentially encoded indexes into the block.
type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint32
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the wire.Message interface implementation.
func (msg *MsgGetBlockTxn) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerBlock {
		return fmt.Errorf("getblocktxn index count %d too large",
			count)
	}

	msg.Indexes = nil
	if count > 0 {
		msg.Indexes = make([]uint32, 0, count)
	}
	var last uint64
	for i := uint64(0); i < count; i++ {
		diff, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}

		index := last + diff
		if i != 0 {
			index++
		}
		last = index

		msg.Indexes = append(msg.Indexes, uint32(index))
	}

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the wire.Message interface implementation.
func (msg *MsgGetBlockTxn) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.Indexes)))
	if err != nil {
		return err
	}

	var last uint64
	for i, index := range msg.Indexes {
		diff := uint64(index) - last
		if i != 0 {
			diff--
		}
		last = uint64(index)

		if err := wire.WriteVarInt(w, pver, diff); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
// This is part of the wire.Message interface implementation.
func (msg *MsgGetBlockTxn) Command() string {
	return CmdGetBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the wire.Message interface implementation.
func (msg *MsgGetBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgGetBlockTxn returns a new getblocktxn message conforming to the
// wire.Message interface.
func NewMsgGetBlockTxn(hash chainhash.Hash, indexes []uint32) *MsgGetBlockTxn {
	return &MsgGetBlockTxn{
		BlockHash: hash,
		Indexes:   indexes,
	}
}

// MsgBlockTxn implements the wire.Message interface and supplies the
// transactions requested by a getblocktxn message.
type MsgBlockTxn struct {
	BlockHash    chainhash.Hash
	Transactions []*wire.MsgTx
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the wire.Message interface implementation.
func (msg *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	if _, err := io.ReadFull(r, msg.BlockHash[:]); err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerBlock {
		return fmt.Errorf("blocktxn transaction count %d too large",
			count)
	}

	msg.Transactions = nil
	if count > 0 {
		msg.Transactions = make([]*wire.MsgTx, 0, count)
	}
	for i := uint64(0); i < count; i++ {
		tx := new(wire.MsgTx)
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, tx)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the wire.Message interface implementation.
func (msg *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	if _, err := w.Write(msg.BlockHash[:]); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.Transactions)))
	if err != nil {
		return err
	}

	for _, tx := range msg.Transactions {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
// This is part of the wire.Message interface implementation.
func (msg *MsgBlockTxn) Command() string {
	return CmdBlockTxn
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the wire.Message interface implementation.
func (msg *MsgBlockTxn) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgBlockTxn returns a new blocktxn message conforming to the
// wire.Message interface.
func NewMsgBlockTxn(hash chainhash.Hash, txns []*wire.MsgTx) *MsgBlockTxn {
	return &MsgBlockTxn{
		BlockHash:    hash,
		Transactions: txns,
	}
}
