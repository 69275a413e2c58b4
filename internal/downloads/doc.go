// Package downloads owns offline media: the per-item download state machine,
// its persistence, the HTTP transfer that fills the download directory, and
// the offline metadata kept for finished items.
//
// Coordinator is the entry point. Each item moves through
//
//	queued -> downloading -> downloaded
//	                      \-> failed
//
// Callbacks for a single item are serialized. Callbacks that arrive after an
// item was deleted are ignored. When a coordinator opens, it reconciles
// persisted state against the filesystem before any snapshot is readable:
//   - Downloaded entries whose file vanished become failed.
//   - Entries interrupted mid-transfer by a previous process become failed.
//
// Failed downloads are never restarted automatically. Retry and
// RequestDownload restart them on request.
package downloads
