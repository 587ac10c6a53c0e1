// Package bpffs holds the types shared by the bpffs daemon and its clients:
// the error taxonomy of the control plane and Handle, the process-local
// reference to a kernel object that the descriptor transport duplicates
// between processes.
//
// The daemon (cmd/bpffsd) owns a namespace of named programs. A client writes
// a source fragment to <root>/<name>/source, selects an attachment kind by
// writing <root>/<name>/type (which compiles, verifies and loads the program
// synchronously), reads <root>/<name>/error when that fails, and finally
// requests the loaded program over the descriptor transport using the
// <root>/<name>/fd path. See package client for the consumer-side API.
package bpffs
