// pin.go - Optional shared PIN gate.
//
// A drop box can require every client to present a PIN, either in the
// X-Pin header or in the pin query parameter. The PIN is held as a bcrypt
// hash only.
package server

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PIN checks candidate PINs against a bcrypt hash.
type PIN struct {
	hash []byte
}

// NewPIN builds a gate from either a plain PIN or a bcrypt hash. With both
// empty it returns nil, which disables the gate.
func NewPIN(plain, hash string) (*PIN, error) {
	switch {
	case plain != "" && hash != "":
		return nil, errors.New("set either pin or pin_hash, not both")
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid pin hash: %w", err)
		}
		return &PIN{hash: []byte(hash)}, nil
	case plain != "":
		h, err := hashPIN(plain)
		if err != nil {
			return nil, err
		}
		return &PIN{hash: []byte(h)}, nil
	}
	return nil, nil
}

// hashPIN hashes at the minimum cost; request checks run on the hot path.
func hashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Check reports whether candidate matches. A nil gate accepts everything.
func (p *PIN) Check(candidate string) bool {
	if p == nil {
		return true
	}
	if candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(p.hash, []byte(candidate)) == nil
}

// pinFromRequest prefers the header over the query parameter.
func pinFromRequest(req *Request) string {
	if v := req.HeaderValue("x-pin"); v != "" {
		return v
	}
	v, _ := req.Param("pin")
	return v
}

// pinExempt lists requests served without a PIN so the page can load.
func pinExempt(req *Request) bool {
	return req.Method == "GET" && req.Path == "/"
}
