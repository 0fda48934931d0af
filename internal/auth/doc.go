// Package auth is the session authority: it checks credentials, issues signed
// session tokens, verifies and revokes them, and answers role checks.
//
// Passwords are stored as bcrypt hashes in a YAML users file. Tokens are
// HS256 JWTs carrying the subject, role, issue time, expiry and a token id;
// a token is only honoured while its id is in the authority's active set, so
// logout and user deletion take effect immediately.
//
// Every failure is reported as a boolean or nil result. Callers never need to
// distinguish a malformed token from an expired or revoked one.
package auth
