//go:build !unix

package conn

func classifyBindError(err error) error {
	return err
}
