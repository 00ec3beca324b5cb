// Package wirex supplies the handful of p2p messages that the wire package
// does not implement: the BIP152 compact block family (sendcmpct, cmpctblock,
// getblocktxn, blocktxn) and the BIP339 wtxidrelay negotiation message. Each
// type satisfies wire.Message, so the channel's framing and the distributor
// treat them exactly like the stock message set.
package wirex
