package tunnel

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

func fakeListen(t *testing.T, calls *int) listenFunc {
	t.Helper()
	return func(_ context.Context, _ ngrokconfig.Tunnel, authToken string) (net.Listener, error) {
		*calls++
		assert.Equal(t, "tok", authToken)
		return net.Listen("tcp", "127.0.0.1:0")
	}
}

func TestNgrok_StartRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewNgrok("", "").Start(context.Background())
	assert.ErrorIs(t, err, ErrNoAuthToken)
}

func TestNgrok_StartAndClose(t *testing.T) {
	t.Parallel()

	calls := 0
	n := NewNgrok("tok", "hops.example.ngrok.app")
	n.listen = fakeListen(t, &calls)

	assert.Empty(t, n.PublicURL())

	l, err := n.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "https://"+l.Addr().String(), n.PublicURL())

	_, err = n.Start(context.Background())
	assert.Error(t, err, "second start must fail")

	require.NoError(t, n.Close())
	assert.Empty(t, n.PublicURL())

	_, err = l.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)

	assert.NoError(t, n.Close(), "second close is a no-op")
}

func TestNgrok_StartPropagatesListenError(t *testing.T) {
	t.Parallel()

	n := NewNgrok("tok", "")
	n.listen = func(context.Context, ngrokconfig.Tunnel, string) (net.Listener, error) {
		return nil, errors.New("session refused")
	}

	_, err := n.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session refused")
	assert.Empty(t, n.PublicURL())
}

func TestNgrok_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewNgrok("tok", "").Close())
}

func TestPublicURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://abc.ngrok.app", publicURL("abc.ngrok.app"))
	assert.Equal(t, "https://abc.ngrok.app", publicURL("https://abc.ngrok.app"))
	assert.Equal(t, "http://abc.ngrok.app", publicURL("http://abc.ngrok.app"))
}
