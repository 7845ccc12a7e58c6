package hosttest

import (
	"os"

	"github.com/wippyai/wasm-boot/errors"
)

func errNotFound(url string) error {
	return errors.LoadFailure(url, os.ErrNotExist)
}
