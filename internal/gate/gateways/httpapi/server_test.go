package httpapi

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/hostgate/internal/gate/common/log"
)

func TestServer_StartStop(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	s := NewServer("127.0.0.1:0", h, log.NewNoopLogger())
	assert.Equal(t, "127.0.0.1:0", s.Address())

	require.NoError(t, s.Start(context.Background()))
	addr := s.Address()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	assert.Error(t, s.Start(context.Background()), "second start must fail")

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestServer_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewServer(ln.Addr().String(), http.NotFoundHandler(), log.NewNoopLogger())
	err = s.Start(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}
