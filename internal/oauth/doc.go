// Package oauth runs a one-shot OAuth 2.0 authorization code handshake
// against a loopback redirect.
//
// # Architecture
//
// The package is built from three pieces:
//   - CallbackListener: a short-lived HTTP server on 127.0.0.1 that accepts
//     exactly one redirect and always answers with a 200 HTML page
//   - Session: the status of one attempt, driven by a finite state machine
//   - AuthServer: the orchestration of TokenStore, CallbackListener and OAuthClient
//
// # Session States
//
//	not_started -> token_already_valid
//	not_started -> listening -> exchange_pending -> completed
//	not_started | listening | exchange_pending -> failed
//
// Terminal states never transition again. Stop ends a session from any state
// without moving it through further states.
//
// # Port Selection
//
// The listener tries each configured port in order, 3000 through 3004 by
// default, and binds the first free one. Only "address in use" advances to the
// next candidate; any other bind failure aborts immediately.
//
// # Usage
//
//	server, err := oauth.NewAuthServer(oauth.AuthServerConfig{
//	    Store:  store,
//	    Client: client,
//	})
//	defer server.Stop(context.Background())
//
//	ok, err := server.Start(ctx, true)
//	if !ok {
//	    return err
//	}
//	<-server.Done()
//	if !server.CompletedSuccessfully() {
//	    return server.Err()
//	}
package oauth
