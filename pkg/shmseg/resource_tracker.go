package shmseg

// init is a deliberate no-op. CPython's multiprocessing.resource_tracker
// unlinks any shared-memory segment it believes is orphaned whenever any
// process that ever touched it exits, which the source this package is
// ported from works around with a monkeypatch. The Go runtime has no such
// background reaper, so there is nothing to suppress here: a segment is
// removed only by an explicit Unlink call or a Map's own Close/Unlink path.
// This hook exists so a future platform-specific reaper, if one is ever
// needed, has one obvious place to disable itself.
func init() {}
