package registry

import (
	"strings"
	"time"

	"github.com/playpen-dev/playpen/internal/session"
)

// SessionRecord is the persisted form of a session. Volumes are stored
// JSON-encoded; networks and secrets as comma-joined lists (their names
// cannot contain commas).
type SessionRecord struct {
	Name              string `gorm:"primaryKey"`
	Backend           string `gorm:"not null"`
	State             string `gorm:"not null;index"`
	Image             string
	ResourceHandle    string
	NetworkAddress    string
	HostPort          int
	Volumes           string
	Networks          string
	Secrets           string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastHealthCheckAt *time.Time
}

// TokenRecord is a persisted session access token. Capability checks load
// the record and evaluate expiry and revocation at call time, so revocation
// takes effect immediately.
type TokenRecord struct {
	ID           string `gorm:"primaryKey"`
	SessionName  string `gorm:"not null;index"`
	Capabilities string `gorm:"not null"`
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
}

func toSession(r SessionRecord) (session.Session, error) {
	volumes, err := session.DecodeVolumes(r.Volumes)
	if err != nil {
		return session.Session{}, err
	}

	s := session.Session{
		Name:              r.Name,
		Backend:           session.Backend(r.Backend),
		State:             session.State(r.State),
		Image:             r.Image,
		ResourceHandle:    r.ResourceHandle,
		NetworkAddress:    r.NetworkAddress,
		HostPort:          r.HostPort,
		Volumes:           volumes,
		Networks:          splitList(r.Networks),
		Secrets:           splitList(r.Secrets),
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		LastHealthCheckAt: r.LastHealthCheckAt,
	}
	return s, nil
}

func fromSession(s session.Session) SessionRecord {
	r := SessionRecord{
		Name:              s.Name,
		Backend:           string(s.Backend),
		State:             string(s.State),
		Image:             s.Image,
		ResourceHandle:    s.ResourceHandle,
		NetworkAddress:    s.NetworkAddress,
		HostPort:          s.HostPort,
		Volumes:           session.EncodeVolumes(s.Volumes),
		Networks:          joinList(s.Networks),
		Secrets:           joinList(s.Secrets),
		LastError:         s.LastError,
		CreatedAt:         s.CreatedAt,
		LastHealthCheckAt: s.LastHealthCheckAt,
	}
	return r
}

func toToken(r TokenRecord) session.Token {
	return session.Token{
		ID:           r.ID,
		SessionName:  r.SessionName,
		Capabilities: decodeCapabilities(r.Capabilities),
		IssuedAt:     r.IssuedAt,
		ExpiresAt:    r.ExpiresAt,
		Revoked:      r.Revoked,
	}
}

func fromToken(t session.Token) TokenRecord {
	return TokenRecord{
		ID:           t.ID,
		SessionName:  t.SessionName,
		Capabilities: encodeCapabilities(t.Capabilities),
		IssuedAt:     t.IssuedAt,
		ExpiresAt:    t.ExpiresAt,
		Revoked:      t.Revoked,
	}
}

func encodeCapabilities(caps []session.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeCapabilities(s string) []session.Capability {
	var caps []session.Capability
	for _, p := range splitList(s) {
		caps = append(caps, session.Capability(p))
	}
	return caps
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
