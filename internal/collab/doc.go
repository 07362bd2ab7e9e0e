/*
Package collab holds the cryptographic collaborators the kernel consumes:
content hashing, seed derivation, signing keys and proof verification.

The kernel never inspects keys or proofs itself. It asks a SeedDeriver for a
module's seed when the module wants one and asks a ProofVerifier whether
fetched module code matches its content address.
*/
package collab
