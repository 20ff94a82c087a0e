// Package secrets implements the versioned, encrypted key stores used by the
// CairnFS trust core.
//
// A Store is an ordered collection of symmetric keys, each tagged with a
// creation time and a monotonically increasing version. The newest key is
// used for new signing/encryption operations; any stored key may be used to
// validate or decrypt pre-existing material, which is what makes key rotation
// safe against live sessions and stored password hashes.
//
// Two stores exist in a deployment: one for session signing keys and one for
// password peppers. Both share the Store implementation and differ only in
// their purpose tag, which selects the HKDF info string so the two stores'
// master keys never collide even when the root secret is shared.
//
// # Persistence
//
// Each key is serialised and encrypted independently into one file per
// version, plus one encrypted manager file holding the next-version counter.
// Adding or removing a version never rewrites the rest of the store. The key
// file is written before the counter: a crash between the two writes leaves
// a key file ahead of the counter, which Open self-heals by advancing the
// counter past it. The reverse ordering would burn a version on crash, or
// worse, reuse one.
//
// Corrupt or undecryptable files are fatal at load - the process must not
// start with a half-trusted key store.
package secrets
