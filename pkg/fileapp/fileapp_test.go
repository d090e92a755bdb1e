package fileapp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUploadThenServerHasFile(t *testing.T) {
	ctx := testCtx(t)
	clientFs := afero.NewMemMapFs()
	serverFs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(clientFs, "/local/report.txt", []byte("hello reliable transport"), 0o644))

	clientConn, serverConn := newPipePair()
	srv := NewServer(serverFs, "/storage")
	client := NewClient(clientFs)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, serverConn) }()

	require.NoError(t, client.Upload(ctx, clientConn, "/local/report.txt", "report.txt"))
	require.NoError(t, <-done)

	got, err := afero.ReadFile(serverFs, "/storage/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello reliable transport", string(got))
}

func TestDownloadThenClientHasFile(t *testing.T) {
	ctx := testCtx(t)
	clientFs := afero.NewMemMapFs()
	serverFs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(serverFs, "/storage/data.bin", []byte("some file bytes go here"), 0o644))

	clientConn, serverConn := newPipePair()
	srv := NewServer(serverFs, "/storage")
	client := NewClient(clientFs)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, serverConn) }()

	require.NoError(t, client.Download(ctx, clientConn, "data.bin", "/local/data.bin"))
	require.NoError(t, <-done)

	got, err := afero.ReadFile(clientFs, "/local/data.bin")
	require.NoError(t, err)
	assert.Equal(t, "some file bytes go here", string(got))
}

func TestDownloadMissingFileReturnsStatusError(t *testing.T) {
	ctx := testCtx(t)
	clientFs := afero.NewMemMapFs()
	serverFs := afero.NewMemMapFs()

	clientConn, serverConn := newPipePair()
	srv := NewServer(serverFs, "/storage")
	client := NewClient(clientFs)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, serverConn) }()

	err := client.Download(ctx, clientConn, "missing.txt", "/local/missing.txt")
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, statusNotFound, statusErr.Code)
	assert.Contains(t, statusErr.Detail, "missing.txt")

	<-done
}

func TestStatusMsgJSONRoundTrip(t *testing.T) {
	st := Status{Code: 200, Msg: NumMsg(12345)}
	buf, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded Status
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.True(t, decoded.Msg.IsNum())
	assert.Equal(t, int64(12345), decoded.Msg.Num())

	st2 := Status{Code: 200, Msg: TextMsg("OK - upload")}
	buf2, err := json.Marshal(st2)
	require.NoError(t, err)
	var decoded2 Status
	require.NoError(t, json.Unmarshal(buf2, &decoded2))
	assert.True(t, decoded2.Msg.IsText())
	assert.Equal(t, "OK - upload", decoded2.Msg.Text())
}
