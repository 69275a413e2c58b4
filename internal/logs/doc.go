// Package logs reads finch's own log file for the `finch logs` command.
//
// Tail returns the last lines of the file with bounded memory, Follow polls
// for appended lines until its context ends, and Filter narrows either to one
// component, item, or minimum level. Both the console and JSON log formats
// written by the logging package are understood.
package logs
