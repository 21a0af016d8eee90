//go:build windows

package config

// watchSignals does nothing on Windows; the file watcher is the only
// reload trigger there.
func (r *Reloader) watchSignals() {}
