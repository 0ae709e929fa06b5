package recommend

import (
	"errors"

	"github.com/Context-Injection-Edge/Context-Edge-sub000/internal/ports"
)

var (
	ErrNotFound          = ports.ErrNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLimitViolation    = errors.New("value outside safety limits")
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("execution queue full")
)
