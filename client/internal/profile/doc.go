// Package profile turns kind-0 metadata events into author display names.
//
// Parse decodes a metadata payload best-effort: a malformed payload is never
// an error, it simply yields no metadata. DisplayName prefers display_name,
// then name, then the first eight characters of the public key.
//
// Directory keeps the newest metadata per author. Resolver batches lookups
// for authors the directory does not know yet and sends them to the relays
// through a Requester on a fixed interval.
package profile
