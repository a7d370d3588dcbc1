// Package errors provides the registry's error taxonomy.
//
// Every error surfaced by a registry operation carries an ErrorCode:
//
//   - ACCESS_DENIED: bad credential or unauthorized registry
//   - NOT_FOUND: unknown identity, type or host
//   - ALREADY_EXISTS: name collision
//   - TIMEOUT: call deadline exceeded; the outcome is unknown, not failed
//   - UNREACHABLE: host or peer not contactable
//   - EXHAUSTED: recovery attempts exhausted
//   - MALFORMED_CONSTRAINT: reported by validation only; matching fails closed
//
// Errors serialize to JSON so a code raised on a remote registry is visible
// to the caller after the dispatcher decodes the reply:
//
//	if errors.Is(err, errors.ErrCodeAlreadyExists) {
//	    // pick another name
//	}
package errors
