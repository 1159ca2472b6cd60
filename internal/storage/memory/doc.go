// Package memory provides in-process stores for development and tests.
// Every mutation runs under the owning store's mutex, so each Update call is
// serialized and atomic with respect to other callers.
package memory
