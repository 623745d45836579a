package modal

import (
	"fmt"
)

// ErrTimeout indicates a modal transition was not observed before its deadline.
type ErrTimeout struct {
	Op    string
	Modal string
	Err   error
}

func (e ErrTimeout) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modal %s timeout: %s", e.Op, e.Modal)
	}
	return fmt.Errorf("modal %s timeout: %s: %w", e.Op, e.Modal, e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}
