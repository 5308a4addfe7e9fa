// Package logging provides subsystem-tagged structured logging for loopauth.
//
// It is a thin layer over log/slog. Every entry carries a subsystem attribute
// so output from the callback listener, the credential store and the CLI can
// be told apart.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("OAuth", "Callback listener bound to port %d", port)
//	logging.Warn("Credentials", "Stored token expired")
//	logging.Error("OAuth", err, "Token exchange failed")
//
// # Audit Logging
//
// Credential writes and deletions are reported through Audit:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:    "token_persisted",
//	    Outcome:   "success",
//	    SessionID: sessionID,
//	    Target:    path,
//	})
//
// Token values are never passed to the logger.
package logging
