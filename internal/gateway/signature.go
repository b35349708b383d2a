package gateway

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// Signature computes the keyed hash authenticating a webhook payload:
// SHA-512 over order id + status code + gross amount + server key. Inbound
// webhooks carry no session token, so this is their sole authentication.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks the signature supplied in a webhook against the one
// computed from the payload fields. Comparison is constant-time.
func VerifySignature(orderID, statusCode, grossAmount, serverKey, supplied string) bool {
	expected := Signature(orderID, statusCode, grossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
}
