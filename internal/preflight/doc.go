// Package preflight provides readiness checks for the filesystem paths finch
// depends on.
//
// These checks run in two contexts:
//   - The download coordinator calls AvailableBytes before starting a transfer
//     and fails the download up front when the disk is too full.
//   - The CLI "finch status" and "finch config validate" commands use RunAll
//     to display directory health.
package preflight
