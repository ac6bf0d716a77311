//go:build unix

package conn

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/die-net/tcp2socks/internal/model"
)

func classifyBindError(err error) error {
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return fmt.Errorf("%w: %w", model.ErrAddrInUse, err)
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return fmt.Errorf("%w: %w", model.ErrAddrNotAvailable, err)
	default:
		return err
	}
}
