// Package server implements the server side of the TFTP protocol.
//
// The server performs the following steps:
//  1. Reads datagrams from a single UDP socket. A receive timeout only
//     re-checks for shutdown and goes back to listening.
//  2. A datagram from a client address with a transfer in flight is handed
//     to that transfer's inbox. Any other datagram is a fresh request.
//  3. For a RRQ the file is opened for reading, for a WRQ it is created or
//     truncated. An open failure is answered with an ERROR packet.
//  4. Each accepted request runs in its own goroutine, which owns the file,
//     the block counters and the buffers of that transfer.
//  5. A read transfer sends DATA 1..N, each acknowledged before the next is
//     sent. A write transfer acknowledges block 0 and then every DATA block in
//     sequence. A payload shorter than 512 bytes ends the transfer.
//  6. Lost packets are retransmitted after a timeout, a bounded number of
//     times, before the transfer is aborted with an ERROR packet.
//
// Unsolicited ERROR packets are logged. DATA and ACK packets that do not
// belong to a transfer are logged and dropped.
package server
