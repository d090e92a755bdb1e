package fileapp

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire-rft/reliable-ftp/pkg/transport"
)

// Server implements the file-transfer half of the protocol against a
// storage directory on fs. One Server instance can drive any number of
// concurrent connections.
type Server struct {
	fs         afero.Fs
	storageDir string
}

func NewServer(fs afero.Fs, storageDir string) *Server {
	return &Server{fs: fs, storageDir: storageDir}
}

// Serve runs one connection to completion: reads the mode preamble,
// dispatches to upload or download, and closes conn when done.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	defer func() {
		if err := conn.Close(ctx); err != nil {
			dlog.Debugf(ctx, "fileapp: close from %s: %v", conn.RemoteAddr(), err)
		}
	}()

	modeBytes, err := conn.Recv(ctx, BufferSize)
	if err != nil {
		return errors.Wrap(err, "fileapp: recv mode")
	}
	mode := string(modeBytes)

	switch mode {
	case ModeUpload:
		dlog.Infof(ctx, "fileapp: %s mode %s, receiving", conn.RemoteAddr(), ModeUpload)
		if err := sendStatus(conn, statusOK, TextMsg("OK - upload")); err != nil {
			return err
		}
		return s.recvFile(ctx, conn)
	case ModeDownload:
		dlog.Infof(ctx, "fileapp: %s mode %s, sending", conn.RemoteAddr(), ModeDownload)
		if err := sendStatus(conn, statusOK, TextMsg("OK - download")); err != nil {
			return err
		}
		return s.sendFile(ctx, conn)
	default:
		return errors.Errorf("fileapp: invalid mode %q from %s", mode, conn.RemoteAddr())
	}
}

func (s *Server) recvFile(ctx context.Context, conn transport.Conn) error {
	nameBytes, err := conn.Recv(ctx, BufferSize)
	if err != nil {
		return errors.Wrap(err, "fileapp: recv filename")
	}
	filename := filepath.Base(string(nameBytes))
	dlog.Infof(ctx, "fileapp: %s filename to save: %s", conn.RemoteAddr(), filename)
	if err := sendStatus(conn, statusOK, TextMsg("OK - filename")); err != nil {
		return err
	}

	sizeBytes, err := conn.Recv(ctx, BufferSize)
	if err != nil {
		return errors.Wrap(err, "fileapp: recv file size")
	}
	size, err := strconv.ParseInt(string(sizeBytes), 10, 64)
	if err != nil {
		return errors.Wrap(err, "fileapp: parse file size")
	}
	dlog.Infof(ctx, "fileapp: %s file size: %d", conn.RemoteAddr(), size)
	if err := sendStatus(conn, statusOK, TextMsg("OK - file_size")); err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.storageDir, 0o755); err != nil {
		return errors.Wrap(err, "fileapp: create storage dir")
	}
	f, err := s.fs.Create(filepath.Join(s.storageDir, filename))
	if err != nil {
		return errors.Wrap(err, "fileapp: create destination file")
	}
	defer f.Close()

	var received int64
	for received < size {
		data, err := conn.Recv(ctx, BufferSize)
		if err != nil {
			return errors.Wrap(err, "fileapp: recv file data")
		}
		if len(data) == 0 {
			break
		}
		if _, err := f.Write(data); err != nil {
			return errors.Wrap(err, "fileapp: write destination file")
		}
		received += int64(len(data))
	}
	dlog.Infof(ctx, "fileapp: %s receiving finished, %d bytes", conn.RemoteAddr(), received)
	return nil
}

func (s *Server) sendFile(ctx context.Context, conn transport.Conn) error {
	nameBytes, err := conn.Recv(ctx, BufferSize)
	if err != nil {
		return errors.Wrap(err, "fileapp: recv requested filename")
	}
	filename := string(nameBytes)
	path := filepath.Join(s.storageDir, filename)
	dlog.Infof(ctx, "fileapp: %s requested file: %s", conn.RemoteAddr(), filename)

	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			dlog.Infof(ctx, "fileapp: %s file not found: %s", conn.RemoteAddr(), filename)
			if err := sendStatus(conn, statusNotFound, nil); err != nil {
				return err
			}
			_, err := conn.Send([]byte("file: " + filename + " not found"))
			return err
		}
		return errors.Wrap(err, "fileapp: stat requested file")
	}

	if err := sendStatus(conn, statusOK, NumMsg(info.Size())); err != nil {
		return err
	}
	// Consume the client's "OK" acknowledgment before streaming data.
	if _, err := conn.Recv(ctx, BufferSize); err != nil {
		return errors.Wrap(err, "fileapp: recv client ack")
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "fileapp: open requested file")
	}
	defer f.Close()

	buf := make([]byte, BufferSize)
	var sent int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := conn.Send(buf[:n]); werr != nil {
				return errors.Wrap(werr, "fileapp: send file data")
			}
			sent += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "fileapp: read requested file")
		}
	}
	dlog.Infof(ctx, "fileapp: %s sending finished, %d bytes", conn.RemoteAddr(), sent)
	return nil
}
