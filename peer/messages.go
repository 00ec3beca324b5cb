package peer

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/hashforge/bnet/wirex"
)

// makeEmptyMessage returns a zero message for the given protocol command, or
// false for a command outside the supported enumeration. The table is the
// closed set of identifiers the distributor can dispatch; a heading carrying
// any other command is tolerated: its payload is read and discarded undecoded.
func makeEmptyMessage(command string) (wire.Message, bool) {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}, true
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}, true
	case wire.CmdAddr:
		return &wire.MsgAddr{}, true
	case wire.CmdAddrV2:
		return &wire.MsgAddrV2{}, true
	case wire.CmdGetAddr:
		return &wire.MsgGetAddr{}, true
	case wire.CmdSendAddrV2:
		return &wire.MsgSendAddrV2{}, true
	case wire.CmdPing:
		return &wire.MsgPing{}, true
	case wire.CmdPong:
		return &wire.MsgPong{}, true
	case wire.CmdAlert:
		return &wire.MsgAlert{}, true
	case wire.CmdReject:
		return &wire.MsgReject{}, true
	case wire.CmdBlock:
		return &wire.MsgBlock{}, true
	case wire.CmdTx:
		return &wire.MsgTx{}, true
	case wire.CmdInv:
		return &wire.MsgInv{}, true
	case wire.CmdGetData:
		return &wire.MsgGetData{}, true
	case wire.CmdNotFound:
		return &wire.MsgNotFound{}, true
	case wire.CmdGetBlocks:
		return &wire.MsgGetBlocks{}, true
	case wire.CmdGetHeaders:
		return &wire.MsgGetHeaders{}, true
	case wire.CmdHeaders:
		return &wire.MsgHeaders{}, true
	case wire.CmdSendHeaders:
		return &wire.MsgSendHeaders{}, true
	case wire.CmdMemPool:
		return &wire.MsgMemPool{}, true
	case wire.CmdMerkleBlock:
		return &wire.MsgMerkleBlock{}, true
	case wire.CmdFilterAdd:
		return &wire.MsgFilterAdd{}, true
	case wire.CmdFilterClear:
		return &wire.MsgFilterClear{}, true
	case wire.CmdFilterLoad:
		return &wire.MsgFilterLoad{}, true
	case wire.CmdFeeFilter:
		return &wire.MsgFeeFilter{}, true
	case wire.CmdGetCFilters:
		return &wire.MsgGetCFilters{}, true
	case wire.CmdGetCFHeaders:
		return &wire.MsgGetCFHeaders{}, true
	case wire.CmdGetCFCheckpt:
		return &wire.MsgGetCFCheckpt{}, true
	case wire.CmdCFilter:
		return &wire.MsgCFilter{}, true
	case wire.CmdCFHeaders:
		return &wire.MsgCFHeaders{}, true
	case wire.CmdCFCheckpt:
		return &wire.MsgCFCheckpt{}, true
	case wirex.CmdSendCmpct:
		return &wirex.MsgSendCmpct{}, true
	case wirex.CmdCmpctBlock:
		return &wirex.MsgCmpctBlock{}, true
	case wirex.CmdGetBlockTxn:
		return &wirex.MsgGetBlockTxn{}, true
	case wirex.CmdBlockTxn:
		return &wirex.MsgBlockTxn{}, true
	case wirex.CmdWTxIdRelay:
		return &wirex.MsgWTxIdRelay{}, true
	}
	return nil, false
}

// commands lists every identifier in the enumeration, in a stable order, for
// distributor construction.
var commands = []string{
	wire.CmdVersion,
	wire.CmdVerAck,
	wire.CmdAddr,
	wire.CmdAddrV2,
	wire.CmdGetAddr,
	wire.CmdSendAddrV2,
	wire.CmdPing,
	wire.CmdPong,
	wire.CmdAlert,
	wire.CmdReject,
	wire.CmdBlock,
	wire.CmdTx,
	wire.CmdInv,
	wire.CmdGetData,
	wire.CmdNotFound,
	wire.CmdGetBlocks,
	wire.CmdGetHeaders,
	wire.CmdHeaders,
	wire.CmdSendHeaders,
	wire.CmdMemPool,
	wire.CmdMerkleBlock,
	wire.CmdFilterAdd,
	wire.CmdFilterClear,
	wire.CmdFilterLoad,
	wire.CmdFeeFilter,
	wire.CmdGetCFilters,
	wire.CmdGetCFHeaders,
	wire.CmdGetCFCheckpt,
	wire.CmdCFilter,
	wire.CmdCFHeaders,
	wire.CmdCFCheckpt,
	wirex.CmdSendCmpct,
	wirex.CmdCmpctBlock,
	wirex.CmdGetBlockTxn,
	wirex.CmdBlockTxn,
	wirex.CmdWTxIdRelay,
}
