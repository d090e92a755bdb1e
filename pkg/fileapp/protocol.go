package fileapp

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/datawire-rft/reliable-ftp/pkg/transport"
)

const (
	// BufferSize is the chunk size used for both handshake messages and
	// bulk file data, matching the framing the rest of this protocol was
	// modeled on.
	BufferSize = 1024

	ModeUpload   = "upload"
	ModeDownload = "download"

	statusOK       = 200
	statusNotFound = 400
)

func sendMessage(ctx context.Context, conn transport.Conn, msg string) (Status, error) {
	if _, err := conn.Send([]byte(msg)); err != nil {
		return Status{}, errors.Wrap(err, "fileapp: send message")
	}
	reply, err := conn.Recv(ctx, BufferSize)
	if err != nil {
		return Status{}, errors.Wrap(err, "fileapp: recv status")
	}
	var st Status
	if err := json.Unmarshal(reply, &st); err != nil {
		return Status{}, errors.Wrap(err, "fileapp: decode status")
	}
	return st, nil
}

func sendStatus(conn transport.Conn, code int, msg *StatusMsg) error {
	st := Status{Code: code, Msg: msg}
	buf, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "fileapp: encode status")
	}
	_, err = conn.Send(buf)
	return errors.Wrap(err, "fileapp: send status")
}
