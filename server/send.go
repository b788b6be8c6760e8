package server

import (
	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/pkg/errors"
)

// CreateAndSendErrorPacket will send an error packet to the provided connection
func CreateAndSendErrorPacket(conn Sender, code uint16, msg string) error {
	pkt := &tftp.PacketError{
		Code: code,
		Msg:  msg,
	}
	if err := conn.Send(pkt.Serialize()); err != nil {
		return errors.Wrap(err, "send error packet failed")
	}
	return nil
}

// SendDataPacket will send a data packet to the provided connection
func SendDataPacket(conn Sender, pkt *tftp.PacketData) error {
	if err := conn.Send(pkt.Serialize()); err != nil {
		return errors.Wrapf(err, "send data block %d failed", pkt.BlockNum)
	}
	return nil
}

// SendAck will send an acknowledgement packet to the provided connection
func SendAck(conn Sender, pkt *tftp.PacketAck) error {
	if err := conn.Send(pkt.Serialize()); err != nil {
		return errors.Wrapf(err, "send ack %d failed", pkt.BlockNum)
	}
	return nil
}
