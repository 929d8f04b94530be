package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module has been administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the module is paused. A nil view means no
// pause control is configured and the operation proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
