package es

import "log/slog"

// Version is the position of an event within its aggregate stream. It is
// contiguous and strictly increasing, starting at 1 for the first event.
// Saving requires the expected version to match the stored version
// (optimistic concurrency).
type Version uint64

func (v Version) Uint64() uint64                       { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                  { return v.SlogAttrWithKey("version") }
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }
