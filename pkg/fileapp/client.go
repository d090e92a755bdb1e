package fileapp

import (
	"context"
	"io"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire-rft/reliable-ftp/pkg/transport"
)

// Client drives the client side of the upload/download handshake against
// a transport.Conn, reading/writing local files through fs.
type Client struct {
	fs afero.Fs
}

func NewClient(fs afero.Fs) *Client {
	return &Client{fs: fs}
}

// Upload sends localPath to the peer under remoteName.
func (c *Client) Upload(ctx context.Context, conn transport.Conn, localPath, remoteName string) error {
	info, err := c.fs.Stat(localPath)
	if err != nil {
		return errors.Wrap(err, "fileapp: stat local file")
	}
	f, err := c.fs.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "fileapp: open local file")
	}
	defer f.Close()

	if st, err := sendMessage(ctx, conn, ModeUpload); err != nil {
		return err
	} else if st.Code != statusOK {
		return &StatusError{Code: st.Code, Detail: st.Msg.Text()}
	}
	if st, err := sendMessage(ctx, conn, filepath.Base(remoteName)); err != nil {
		return err
	} else if st.Code != statusOK {
		return &StatusError{Code: st.Code, Detail: st.Msg.Text()}
	}
	size := info.Size()
	if st, err := sendMessage(ctx, conn, strconv.FormatInt(size, 10)); err != nil {
		return err
	} else if st.Code != statusOK {
		return &StatusError{Code: st.Code, Detail: st.Msg.Text()}
	}

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
			return errors.Wrap(rerr, "fileapp: read local file")
		}
	}
	dlog.Infof(ctx, "fileapp: upload finished, %d bytes", sent)
	return conn.Close(ctx)
}

// Download fetches remoteName from the peer into localPath.
func (c *Client) Download(ctx context.Context, conn transport.Conn, remoteName, localPath string) error {
	if st, err := sendMessage(ctx, conn, ModeDownload); err != nil {
		return err
	} else if st.Code != statusOK {
		_ = conn.Close(ctx)
		return &StatusError{Code: st.Code, Detail: st.Msg.Text()}
	}

	st, err := sendMessage(ctx, conn, remoteName)
	if err != nil {
		return err
	}
	if st.Code != statusOK {
		detail, _ := conn.Recv(ctx, BufferSize)
		_ = conn.Close(ctx)
		return &StatusError{Code: st.Code, Detail: string(detail)}
	}
	size := st.Msg.Num()

	if _, err := conn.Send([]byte("OK")); err != nil {
		return errors.Wrap(err, "fileapp: send ack")
	}

	if err := c.fs.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Wrap(err, "fileapp: create destination dir")
	}
	f, err := c.fs.Create(localPath)
	if err != nil {
		return errors.Wrap(err, "fileapp: create destination file")
	}
	defer f.Close()

	var got int64
	for got < size {
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
		got += int64(len(data))
	}
	dlog.Infof(ctx, "fileapp: download finished, %d bytes", got)
	return conn.Close(ctx)
}
