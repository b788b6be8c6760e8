// Package log add logging utilities.
package log

import (
	"strings"
	"time"

	"github.com/DrThorium/ServidorTFTP/tftp"

	"github.com/sirupsen/logrus"
)

// SetLogger sets the default logger's level.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	switch strings.ToLower(level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}

// PacketToFields renders a packet as log fields. DATA payloads are reported by size.
func PacketToFields(p tftp.Packet) logrus.Fields {
	fields := logrus.Fields{
		"opcode": p.Opcode().String(),
	}
	switch pkt := p.(type) {
	case *tftp.PacketRequest:
		fields["filename"] = pkt.Filename
		fields["mode"] = pkt.Mode
	case *tftp.PacketData:
		fields["block"] = pkt.BlockNum
		fields["bytes"] = len(pkt.Data)
	case *tftp.PacketAck:
		fields["block"] = pkt.BlockNum
	case *tftp.PacketError:
		fields["code"] = pkt.Code
		fields["msg"] = pkt.Msg
	}
	return fields
}
