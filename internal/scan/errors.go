package scan

import "errors"

var (
	ErrMetricNotFound = errors.New("metric not found")
	ErrInvalidRange   = errors.New("invalid seed range")
	ErrInvalidParams  = errors.New("invalid scan parameters")
)
