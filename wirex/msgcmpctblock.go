package wirex

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// CmdCmpctBlock is the command string for the cmpctblock message.
const CmdCmpctBlock = "cmpctblock"

// maxShortIDsPerBlock is a sanity cap on the short transaction id count of a
// single compact block.
const maxShortIDsPerBlock = 1 << 20

// ShortID is the 6-byte truncated SipHash transaction identifier used by
// compact block relay, held in the low 48 bits.
type ShortID uint64

// PrefilledTx is a transaction the sender predicts the receiver is missing,
// shipped inline with its differentially encoded index.
type PrefilledTx struct {
	Index uint32
	Tx    *wire.MsgTx
}

// MsgCmpctBlock implements the wire.Message interface and carries a BIP152
// compact block: the header, a relay nonce, the short ids of the block's
// transactions and any prefilled transactions.
type MsgCmpctBlock struct {
	Header       wire.BlockHeader
	Nonce        uint64
	ShortIDs     []ShortID
	PrefilledTxn []PrefilledTx
}

// BtcDecode decodes r using the protocol encoding into the receiver.
// This is part of the wire.Message interface implementation.
func (msg *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	if err := msg.Header.Deserialize(r); err != nil {
		return err
	}

	var nonce [8]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return err
	}
	msg.Nonce = binary.LittleEndian.Uint64(nonce[:])

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxShortIDsPerBlock {
		return fmt.Errorf("cmpctblock short id count %d too large",
			count)
	}

	msg.ShortIDs = nil
	if count > 0 {
		msg.ShortIDs = make([]ShortID, count)
	}
	var sid [6]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, sid[:]); err != nil {
			return err
		}
		msg.ShortIDs[i] = ShortID(uint64(sid[0]) |
			uint64(sid[1])<<8 |
			uint64(sid[2])<<16 |
			uint64(sid[3])<<24 |
			uint64(sid[4])<<32 |
			uint64(sid[5])<<40)
	}

	prefilled, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if prefilled > maxShortIDsPerBlock {
		return fmt.Errorf("cmpctblock prefilled count %d too large",
			prefilled)
	}

	msg.PrefilledTxn = nil
	if prefilled > 0 {
		msg.PrefilledTxn = make([]PrefilledTx, 0, prefilled)
	}
	var last uint64
	for i := uint64(0); i < prefilled; i++ {
		diff, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}

		// Indexes are differentially encoded against the previous
		// prefilled index plus one.
		index := last + diff
		if i != 0 {
			index++
		}
		last = index

		tx := new(wire.MsgTx)
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}

		msg.PrefilledTxn = append(msg.PrefilledTxn, PrefilledTx{
			Index: uint32(index),
			Tx:    tx,
		})
	}

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
// This is part of the wire.Message interface implementation.
func (msg *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	if err := msg.Header.Serialize(w); err != nil {
		return err
	}

	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], msg.Nonce)
	if _, err := w.Write(nonce[:]); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.ShortIDs)))
	if err != nil {
		return err
	}

	var sid [6]byte
	for _, id := range msg.ShortIDs {
		sid[0] = byte(id)
		sid[1] = byte(id >> 8)
		sid[2] = byte(id >> 16)
		sid[3] = byte(id >> 24)
		sid[4] = byte(id >> 32)
		sid[5] = byte(id >> 40)
		if _, err := w.Write(sid[:]); err != nil {
			return err
		}
	}

	err = wire.WriteVarInt(w, pver, uint64(len(msg.PrefilledTxn)))
	if err != nil {
		return err
	}

	var last uint64
	for i, pre := range msg.PrefilledTxn {
		diff := uint64(pre.Index) - last
		if i != 0 {
			diff--
		}
		last = uint64(pre.Index)

		if err := wire.WriteVarInt(w, pver, diff); err != nil {
			return err
		}
		if err := pre.Tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
// This is part of the wire.Message interface implementation.
func (msg *MsgCmpctBlock) Command() string {
	return CmdCmpctBlock
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver. This is part of the wire.Message interface implementation.
func (msg *MsgCmpctBlock) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxBlockPayload
}

// NewMsgCmpctBlock returns a new cmpctblock message conforming to the
// wire.Message interface.
func NewMsgCmpctBlock(header wire.BlockHeader, nonce uint64) *MsgCmpctBlock {
	return &MsgCmpctBlock{
		Header: header,
		Nonce:  nonce,
	}
}
