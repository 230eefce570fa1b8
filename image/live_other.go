//go:build !linux && !darwin

package image

import "github.com/pkg/errors"

// DefaultExclusions are the system library locations left out of a live catalog.
var DefaultExclusions []string

func liveImages() ([]loadedImage, error) {
	return nil, errors.New("enumerating loaded images is not supported on this platform")
}
