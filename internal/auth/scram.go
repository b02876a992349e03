// Package auth implements SASL/SCRAM-SHA-256 (RFC 5802) server-side
// authentication for the pgwire frontend, plus a thin credential store
// abstraction so the backing credential source (IRIS user table, static
// config, an OAuth bridge) can be swapped independently of the SASL state
// machine.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism is the SASL mechanism name pgwire advertises during
// AuthenticationSASL.
const Mechanism = "SCRAM-SHA-256"

// DefaultIterations is the PBKDF2 iteration count used for newly derived
// credentials; RFC 5802 recommends at least 4096.
const DefaultIterations = 4096

// Credentials holds the salted password material for one user, as produced
// by DeriveCredentials. Only these derived values are ever persisted; the
// plaintext password is never stored.
type Credentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveCredentials computes the SCRAM StoredKey/ServerKey pair for
// password, generating a fresh random salt.
func DeriveCredentials(password string, iterations int) (Credentials, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Credentials{}, err
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSum(saltedPassword, []byte("Server Key"))

	return Credentials{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

// CredentialStore resolves a username to its SCRAM credentials.
type CredentialStore interface {
	Lookup(username string) (Credentials, bool, error)
}

// StaticStore is a CredentialStore backed by an in-memory map, useful for
// tests, examples, and small deployments with a fixed set of IRIS service
// accounts.
type StaticStore map[string]Credentials

func (s StaticStore) Lookup(username string) (Credentials, bool, error) {
	c, ok := s[username]
	return c, ok, nil
}

// ServerConversation drives one SCRAM-SHA-256 exchange for a single
// authentication attempt. Create one per connection attempt; it is not safe
// for concurrent or repeated use.
type ServerConversation struct {
	store    CredentialStore
	username string
	nonce    string

	clientFirstBare string
	serverFirst     string
	creds           Credentials
	authenticated   bool
}

// NewServerConversation begins a SCRAM exchange for the given username
// against store.
func NewServerConversation(store CredentialStore, username string) *ServerConversation {
	return &ServerConversation{store: store, username: username}
}

// Step1 consumes the client-first-message and returns the server-first-
// message to send back (...,r=<nonce>,s=<salt>,i=<iterations>).
func (c *ServerConversation) Step1(clientFirst string) (string, error) {
	bare, err := stripGS2Header(clientFirst)
	if err != nil {
		return "", err
	}
	c.clientFirstBare = bare

	attrs, err := parseAttrs(bare)
	if err != nil {
		return "", err
	}

	clientNonce, ok := attrs["r"]
	if !ok {
		return "", fmt.Errorf("scram: client-first-message missing nonce")
	}

	creds, found, err := c.store.Lookup(c.username)
	if err != nil {
		return "", err
	}
	if !found {
		// Respond with plausible-looking bogus credentials rather than
		// failing fast, so that username enumeration via timing/shape of
		// the SCRAM exchange is no easier than with a real account.
		creds, _ = DeriveCredentials(randomPassword(), DefaultIterations)
	}
	c.creds = creds

	serverNonce, err := randomNonce()
	if err != nil {
		return "", err
	}
	c.nonce = clientNonce + serverNonce

	c.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		c.nonce,
		base64.StdEncoding.EncodeToString(c.creds.Salt),
		c.creds.Iterations,
	)

	return c.serverFirst, nil
}

// Step2 consumes the client-final-message and returns the server-final-
// message (v=<signature>) to send back, or an error if the client's proof
// does not match.
func (c *ServerConversation) Step2(clientFinal string) (string, error) {
	attrs, err := parseAttrs(clientFinal)
	if err != nil {
		return "", err
	}

	channelBinding, proofB64 := attrs["c"], attrs["p"]
	nonce := attrs["r"]
	if nonce != c.nonce {
		return "", fmt.Errorf("scram: nonce mismatch")
	}
	if channelBinding == "" {
		return "", fmt.Errorf("scram: missing channel binding attribute")
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("scram: invalid client proof encoding: %w", err)
	}

	clientFinalWithoutProof := clientFinalWithoutProof(clientFinal)
	authMessage := strings.Join([]string{c.clientFirstBare, c.serverFirst, clientFinalWithoutProof}, ",")

	clientSignature := hmacSum(c.creds.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)
	computedStoredKey := sha256.Sum256(clientKey)

	if subtle.ConstantTimeCompare(computedStoredKey[:], c.creds.StoredKey) != 1 {
		return "", fmt.Errorf("scram: authentication failed")
	}

	serverSignature := hmacSum(c.creds.ServerKey, []byte(authMessage))
	c.authenticated = true

	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// Authenticated reports whether Step2 has succeeded.
func (c *ServerConversation) Authenticated() bool {
	return c.authenticated
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func randomNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func randomPassword() string {
	buf := make([]byte, 16)
	rand.Read(buf) //nolint:errcheck
	return base64.RawStdEncoding.EncodeToString(buf)
}

// stripGS2Header removes the "n,," (or "y,," / "p=...,") GS2 header from a
// client-first-message and returns the remaining client-first-message-bare.
func stripGS2Header(msg string) (string, error) {
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) < 3 {
		return "", fmt.Errorf("scram: malformed client-first-message")
	}
	return parts[2], nil
}

// clientFinalWithoutProof strips the ",p=..." suffix from a
// client-final-message, per the SCRAM AuthMessage construction in RFC 5802.
func clientFinalWithoutProof(msg string) string {
	idx := strings.LastIndex(msg, ",p=")
	if idx == -1 {
		return msg
	}
	return msg[:idx]
}

func parseAttrs(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, field := range strings.Split(s, ",") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		attrs[kv[0]] = kv[1]
	}
	return attrs, nil
}

// ParseIterationCount is a small helper for tests that need to assert the
// iteration count embedded in a server-first-message.
func ParseIterationCount(serverFirst string) (int, error) {
	attrs, err := parseAttrs(serverFirst)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(attrs["i"])
}
