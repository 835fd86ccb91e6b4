package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonical returns the tree's canonical JSON encoding: object keys sorted
// at every depth, no insignificant whitespace, UTF-8 (§6). Struct fields
// marshal in declaration order, so the view below is decoded back into
// generic maps (numbers kept verbatim via UseNumber) and marshalled again,
// which emits every object with its keys sorted. ContextHash is left out
// of the view, since it must not be part of the digest it names.
func Canonical(t *Tree) ([]byte, error) {
	view := struct {
		Version        string             `json:"version"`
		LastUpdated    string             `json:"last_updated"`
		CoherenceScore float64            `json:"coherence_score"`
		Domains        map[string]*Domain `json:"domains"`
	}{
		Version:        t.Version,
		LastUpdated:    t.LastUpdated.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		CoherenceScore: t.CoherenceScore,
		Domains:        t.Domains,
	}

	buf, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Hash returns the SHA-256 digest (hex-encoded) of the tree's canonical
// form (§3 invariant 5, §6).
func Hash(t *Tree) (string, error) {
	canon, err := Canonical(t)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
