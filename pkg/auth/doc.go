// Package auth provides the structured view of the stored credential that
// `loopauth auth status --json` prints.
//
// Scripts can rely on these field names; token values are never part of it.
package auth
