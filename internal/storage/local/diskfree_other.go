//go:build !unix

package local

import (
	"context"
	"errors"
)

// FreeSpace is not available on this platform.
func (b *LocalBackend) FreeSpace(context.Context, string) (uint64, uint64, error) {
	return 0, 0, errors.ErrUnsupported
}
