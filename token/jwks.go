package token

import (
	"encoding/base64"
	"sort"
)

// JSONWebKey is the public part of an Ed25519 signing key (RFC 8037).
type JSONWebKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// JSONWebKeySet is the document served at the JWKS endpoint.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JWKS returns the active key and every retiring key still in its grace window.
func (kr *KeyRing) JWKS() JSONWebKeySet {
	keys := kr.Keys()
	set := JSONWebKeySet{Keys: make([]JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, JSONWebKey{
			Kty: "OKP",
			Crv: "Ed25519",
			Kid: k.KID,
			Alg: "EdDSA",
			Use: "sig",
			X:   base64.RawURLEncoding.EncodeToString(k.Public),
		})
	}
	// active first, then newest retiring
	if len(set.Keys) > 2 {
		rest := set.Keys[1:]
		created := make(map[string]int64, len(keys))
		for _, k := range keys {
			created[k.KID] = k.CreatedAt.UnixNano()
		}
		sort.SliceStable(rest, func(i, j int) bool { return created[rest[i].Kid] > created[rest[j].Kid] })
	}
	return set
}
