package a2a

import "errors"

// Message validation errors.
var (
	ErrMessageMissingID       = errors.New("a2a message: missing id")
	ErrMessageMissingSender   = errors.New("a2a message: missing sender")
	ErrMessageMissingReceiver = errors.New("a2a message: missing receiver")
	ErrMessageInvalidVerb     = errors.New("a2a message: invalid verb")
	ErrMessageMissingTime     = errors.New("a2a message: missing created_at")
)

// Part decoding errors.
var (
	ErrPartUnknownKind     = errors.New("a2a part: unknown kind")
	ErrPartContentMismatch = errors.New("a2a part: content does not match kind")
)

// Descriptor validation errors.
var (
	ErrDescriptorMissingID   = errors.New("agent descriptor: missing id")
	ErrDescriptorMissingName = errors.New("agent descriptor: missing name")
	ErrDescriptorInvalidAuth = errors.New("agent descriptor: invalid auth mode")
)
