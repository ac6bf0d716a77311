//go:build unix

package conn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/die-net/tcp2socks/internal/model"
)

func TestListenAddressInUse(t *testing.T) {
	t.Parallel()

	first, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = ListenTCP(context.Background(), "tcp", first.Addr().String(), Options{})
	require.ErrorIs(t, err, model.ErrAddrInUse)
}

func TestListenAddressNotAvailable(t *testing.T) {
	t.Parallel()

	// TEST-NET-1 is never assigned to a local interface.
	_, err := ListenTCP(context.Background(), "tcp", "192.0.2.1:0", Options{})
	require.ErrorIs(t, err, model.ErrAddrNotAvailable)
}
