package models

import "errors"

var (
	// ErrDeviceNotFound is returned when a device name is not registered.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDuplicateInstance is returned when a SOP instance is already stored.
	ErrDuplicateInstance = errors.New("instance already stored")
	// ErrInvalidDevice is returned for a registry entry that cannot be saved.
	ErrInvalidDevice = errors.New("invalid device")
)
