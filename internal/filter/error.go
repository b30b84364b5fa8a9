package filter

import "github.com/usbsas/usbsas/internal/proto/common"

func errorOf(msg string) common.ResponseError {
	return common.ResponseError{Message: msg}
}
