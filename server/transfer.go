package server

import (
	"context"
	"io"
	"time"

	"github.com/DrThorium/ServidorTFTP/internal/log"
	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxBlockErrors is how many out of sequence ACK or DATA packets a single
// block tolerates before the transfer is aborted.
const maxBlockErrors = 32

// Stats summarises a transfer.
type Stats struct {
	Blocks      int
	Bytes       int64
	Retries     int
	BlockErrors int
}

func (s Stats) fields() logrus.Fields {
	return logrus.Fields{
		"blocks":      s.Blocks,
		"bytes":       s.Bytes,
		"retries":     s.Retries,
		"blockErrors": s.BlockErrors,
	}
}

// transfer drives one RRQ or WRQ to completion over its own Conn.
type transfer struct {
	id      uuid.UUID
	conn    Conn
	peer    *peerConn
	timeout time.Duration
	retries int
	logger  logrus.FieldLogger
}

func newTransfer(conn Conn, timeout time.Duration, retries int, fields logrus.Fields) *transfer {
	id := uuid.New()
	t := &transfer{
		id:      id,
		conn:    conn,
		timeout: timeout,
		retries: retries,
		logger:  logger.WithFields(fields).WithField("transfer", id.String()),
	}
	if p, ok := conn.(*peerConn); ok {
		t.peer = p
	}
	return t
}

// deliver hands a datagram received by the listener to the transfer.
func (t *transfer) deliver(b []byte) {
	if t.peer == nil || !t.peer.deliver(b) {
		t.logger.Warn("inbox full, dropping datagram")
	}
}

// runRead sends the contents of r as DATA blocks 1..N. Block N is the first
// one shorter than tftp.BlockSize, which is empty when the size of r is a
// multiple of the block size.
func (t *transfer) runRead(r io.Reader) (Stats, error) {
	var stats Stats
	buf := make([]byte, tftp.BlockSize)
	for block := uint16(1); ; block++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			t.abort(ErrorCode(err), errorMessage(err, "read failed"))
			return stats, errors.Wrapf(ErrFileIO, "read block %d: %v", block, err)
		}
		pkt := &tftp.PacketData{BlockNum: block, Data: buf[:n]}
		if err := SendDataPacket(t.conn, pkt); err != nil {
			return stats, t.transportFailed(err)
		}
		t.logger.WithFields(log.PacketToFields(pkt)).Debug("sent block")
		if err := t.awaitAck(pkt, &stats); err != nil {
			return stats, err
		}
		stats.Blocks++
		stats.Bytes += int64(n)
		if n < tftp.BlockSize {
			return stats, nil
		}
	}
}

// awaitAck waits for the ACK of pkt, retransmitting it on every timeout until
// the retry budget is spent.
func (t *transfer) awaitAck(pkt *tftp.PacketData, stats *Stats) error {
	blockErrors := 0
	for attempt := 0; ; attempt++ {
		acked, err := t.waitAck(pkt, stats, &blockErrors, time.Now().Add(t.timeout))
		if err != nil || acked {
			return err
		}
		if attempt == t.retries {
			t.abort(tftp.ErrCodeNotDefined, "transfer timed out")
			return errors.Wrapf(ErrTimeout, "block %d not acknowledged after %d retransmissions", pkt.BlockNum, attempt)
		}
		stats.Retries++
		t.logger.WithFields(logrus.Fields{
			"block":   pkt.BlockNum,
			"retries": attempt + 1,
		}).Warn("ack timed out, retransmitting block")
		if err := SendDataPacket(t.conn, pkt); err != nil {
			return t.transportFailed(err)
		}
	}
}

// waitAck waits until deadline for the ACK of pkt. An ACK for any other block
// resends pkt without extending the deadline.
func (t *transfer) waitAck(pkt *tftp.PacketData, stats *Stats, blockErrors *int, deadline time.Time) (bool, error) {
	for {
		p, err := t.receive(deadline)
		if err != nil || p == nil {
			return false, err
		}
		switch p := p.(type) {
		case *tftp.PacketAck:
			if p.BlockNum == pkt.BlockNum {
				t.logger.WithFields(log.PacketToFields(p)).Debug("block acknowledged")
				return true, nil
			}
			stats.BlockErrors++
			*blockErrors++
			if err := t.checkBlockErrors(*blockErrors); err != nil {
				return false, err
			}
			t.logger.WithFields(logrus.Fields{
				"block": pkt.BlockNum,
				"ack":   p.BlockNum,
			}).Warn("unexpected ack, resending block")
			if err := SendDataPacket(t.conn, pkt); err != nil {
				return false, t.transportFailed(err)
			}
		case *tftp.PacketError:
			return false, t.peerError(p)
		default:
			t.logger.WithFields(log.PacketToFields(p)).Warn("expected ACK, ignoring packet")
		}
	}
}

// runWrite acknowledges the WRQ with block 0 and appends every DATA block
// received in sequence to w, until a block shorter than tftp.BlockSize.
func (t *transfer) runWrite(w io.Writer) (Stats, error) {
	var stats Stats
	ack := &tftp.PacketAck{BlockNum: 0}
	if err := SendAck(t.conn, ack); err != nil {
		return stats, t.transportFailed(err)
	}
	for {
		data, err := t.awaitData(ack, &stats)
		if err != nil {
			return stats, err
		}
		if _, err := w.Write(data.Data); err != nil {
			t.abort(ErrorCode(err), errorMessage(err, "write failed"))
			return stats, errors.Wrapf(ErrFileIO, "write block %d: %v", data.BlockNum, err)
		}
		ack = &tftp.PacketAck{BlockNum: data.BlockNum}
		if err := SendAck(t.conn, ack); err != nil {
			return stats, t.transportFailed(err)
		}
		t.logger.WithFields(log.PacketToFields(data)).Debug("stored block")
		stats.Blocks++
		stats.Bytes += int64(len(data.Data))
		if len(data.Data) < tftp.BlockSize {
			return stats, nil
		}
	}
}

// awaitData waits for the block after last, resending last on every timeout
// until the retry budget is spent.
func (t *transfer) awaitData(last *tftp.PacketAck, stats *Stats) (*tftp.PacketData, error) {
	expected := last.BlockNum + 1
	blockErrors := 0
	for attempt := 0; ; attempt++ {
		data, err := t.waitData(expected, stats, &blockErrors, time.Now().Add(t.timeout))
		if err != nil || data != nil {
			return data, err
		}
		if attempt == t.retries {
			t.abort(tftp.ErrCodeNotDefined, "transfer timed out")
			return nil, errors.Wrapf(ErrTimeout, "block %d not received after %d retransmissions", expected, attempt)
		}
		stats.Retries++
		t.logger.WithFields(logrus.Fields{
			"block":   last.BlockNum,
			"retries": attempt + 1,
		}).Warn("data timed out, retransmitting ack")
		if err := SendAck(t.conn, last); err != nil {
			return nil, t.transportFailed(err)
		}
	}
}

// waitData waits until deadline for DATA block expected. Other blocks are
// neither written nor acknowledged; the client retransmits on its own timeout.
func (t *transfer) waitData(expected uint16, stats *Stats, blockErrors *int, deadline time.Time) (*tftp.PacketData, error) {
	for {
		p, err := t.receive(deadline)
		if err != nil || p == nil {
			return nil, err
		}
		switch p := p.(type) {
		case *tftp.PacketData:
			if p.BlockNum == expected {
				return p, nil
			}
			stats.BlockErrors++
			*blockErrors++
			if err := t.checkBlockErrors(*blockErrors); err != nil {
				return nil, err
			}
			t.logger.WithFields(logrus.Fields{
				"block":    p.BlockNum,
				"expected": expected,
			}).Warn("ignoring out of sequence block")
		case *tftp.PacketError:
			return nil, t.peerError(p)
		default:
			t.logger.WithFields(log.PacketToFields(p)).Warn("expected DATA, ignoring packet")
		}
	}
}

// receive returns the next packet that arrives before deadline. A nil packet
// with a nil error means the deadline passed. Undecodable datagrams are
// dropped without touching the deadline.
func (t *transfer) receive(deadline time.Time) (tftp.Packet, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		b, err := t.conn.Receive(remaining)
		if errors.Is(err, ErrTimeout) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			t.abort(tftp.ErrCodeNotDefined, "server shutting down")
			return nil, errors.Wrap(err, "transfer interrupted")
		}
		if err != nil {
			return nil, t.transportFailed(errors.Wrap(err, "receive failed"))
		}
		p, err := tftp.ParsePacket(b)
		if tftp.IsMalformed(err) {
			t.logger.WithError(err).Warn("dropping malformed packet")
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse packet failed")
		}
		return p, nil
	}
}

func (t *transfer) checkBlockErrors(n int) error {
	if n <= maxBlockErrors {
		return nil
	}
	t.abort(tftp.ErrCodeIllegalOp, "too many out of sequence packets")
	return errors.Wrapf(ErrProtocolViolation, "%d out of sequence packets for one block", n)
}

func (t *transfer) peerError(p *tftp.PacketError) error {
	t.logger.WithFields(log.PacketToFields(p)).Warn("client aborted transfer")
	return errors.Wrapf(ErrPeerError, "code %d: %s", p.Code, p.Msg)
}

// transportFailed makes one last attempt to report a failed send or receive
// to the client and returns err unchanged.
func (t *transfer) transportFailed(err error) error {
	t.abort(tftp.ErrCodeNotDefined, "transport failure")
	return err
}

// abort tells the client the transfer is over. Failures are only logged since
// the transfer is being torn down anyway.
func (t *transfer) abort(code uint16, msg string) {
	if err := CreateAndSendErrorPacket(t.conn, code, msg); err != nil {
		t.logger.WithError(err).Error("send error packet failed")
	}
}
