// Package sip implements the SIP transaction layer described in RFC 3261 section 17.
//
// An [Endpoint] owns a [TransactionTable] and routes every message received from a
// [Transport] either into the mailbox of the transaction it belongs to, or, for requests
// outside of any transaction, through the chain of [Layer]s. Transactions come in four
// flavours selected by two orthogonal tags, the [Role] (client or server) and whether the
// transaction was created by an INVITE request:
//
//   - [NonInviteClientTransaction] sends a request and collects its responses (timers E, F, K);
//   - [InviteClientTransaction] sends an INVITE, acknowledges non-2xx finals and keeps
//     absorbing 2xx retransmissions in the Accepted state (timers A, B, D, M);
//   - [NonInviteServerTransaction] answers a request and re-sends the cached response on
//     retransmitted requests (timer J);
//   - [InviteServerTransaction] answers an INVITE, retransmits non-2xx finals until ACK
//     arrives and absorbs INVITE retransmissions after a 2xx (timers G, H, I, L).
//
// All four are driven by one state machine engine configured from per-type transition
// tables, and each runs its own goroutine selecting over its mailbox, its timers and API calls.
package sip
