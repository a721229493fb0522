// Package seal encrypts small secrets (token pairs) at rest under a passphrase.
//
// Keys are derived with Argon2id and payloads are sealed with XChaCha20-Poly1305.
// The encoded form is self-describing:
//
//	$esl1$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<nonce||ciphertext b64>
package seal
