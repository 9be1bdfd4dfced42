// Package model defines domain entities used by services and repositories.
package model

import (
	"maps"
	"time"
)

// RegisterDateLayout is the layout of UserRecord.Info["register_date"].
const RegisterDateLayout = "2006-01-02 15:04:05"

// Well-known keys inside UserRecord.Info.
const (
	InfoRegisterDate = "register_date"
)

// UserRecord is a single stored account. Info carries register_date plus any
// extra fields supplied at registration.
type UserRecord struct {
	UID          string         `json:"uid"`           // 8 hex chars
	Username     string         `json:"username"`      // unique
	PasswordHash string         `json:"password_hash"` // hex(salt)$hex(argon2id)
	Info         map[string]any `json:"info"`
}

// Clone returns a copy that does not share the Info map with r.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Info = maps.Clone(r.Info)
	if c.Info == nil {
		c.Info = map[string]any{}
	}
	return &c
}

// Indexes holds secondary lookups over Document.Users.
type Indexes struct {
	UsernameToUID map[string]string `json:"username_to_uid"`
}

// Document is the whole persisted store: user records keyed by uid plus indexes.
type Document struct {
	Users   map[string]*UserRecord `json:"users"`
	Indexes Indexes                `json:"indexes"`
}

// NewDocument returns an empty, ready-to-use document.
func NewDocument() *Document {
	return &Document{
		Users:   map[string]*UserRecord{},
		Indexes: Indexes{UsernameToUID: map[string]string{}},
	}
}

// Session is an issued bearer token. It is kept in memory only.
type Session struct {
	Token    string
	Username string
	IssuedAt time.Time
}

// Expired reports whether the session is no longer valid at now.
// A session aged exactly ttl is expired.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.IssuedAt) >= ttl
}
