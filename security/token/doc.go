// Package token inspects bearer tokens on the client side.
//
// Nothing here verifies signatures: the SDK only needs the expiry claim to decide
// whether to refresh proactively, and a fingerprint to correlate tokens in logs
// without ever writing the token itself.
package token
