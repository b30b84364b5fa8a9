package downloader

import "github.com/usbsas/usbsas/internal/proto/common"

func respError(err error) common.ResponseError {
	return common.ResponseError{Message: err.Error()}
}
