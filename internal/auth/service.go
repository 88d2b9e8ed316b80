package auth

import (
	"fmt"
	"time"

	"github.com/liftsync/meetserver/internal/storage"
)

// Service wires the password policy, KDF, session table, and rate limiter
// together into the operations the router needs (spec.md §4.2 "Operations
// exposed to the router"). It does not own meet storage or actors — those
// belong to internal/storage and internal/meet respectively — so the
// caller (wsapi) is responsible for orchestrating CreateMeet/JoinMeet
// across this service and the meet registry.
type Service struct {
	Policy      PasswordPolicy
	KDFParams   KDFParams
	Sessions    *SessionTable
	RateLimiter *RateLimiter

	AbsoluteTTL time.Duration
	IdleTTL     time.Duration
}

// NewService builds a Service with the given tunables.
func NewService(policy PasswordPolicy, kdf KDFParams, absoluteTTL, idleTTL time.Duration, limiter *RateLimiter) *Service {
	return &Service{
		Policy:      policy,
		KDFParams:   kdf,
		Sessions:    NewSessionTable(),
		RateLimiter: limiter,
		AbsoluteTTL: absoluteTTL,
		IdleTTL:     idleTTL,
	}
}

// HashNewMeetPassword validates password against the configured policy and,
// if it passes, derives its storage-ready hash.
func (s *Service) HashNewMeetPassword(password string) (HashedPassword, error) {
	if err := s.Policy.Validate(password); err != nil {
		return HashedPassword{}, err
	}
	return HashPassword(password, s.KDFParams)
}

// VerifyJoinPassword checks password against auth's stored hash, consulting
// and updating the rate limiter keyed by sourceIP.
func (s *Service) VerifyJoinPassword(sourceIP, password string, auth storage.AuthBlob) error {
	if s.RateLimiter != nil && !s.RateLimiter.Allow(sourceIP) {
		return ErrRateLimited
	}

	stored, err := DecodeHashedPassword(auth.Algorithm, decodeKDFParams(auth.Params), auth.Salt, auth.Hash)
	if err != nil {
		return fmt.Errorf("decode stored password: %w", err)
	}

	if err := VerifyPassword(password, stored); err != nil {
		if s.RateLimiter != nil {
			s.RateLimiter.RecordFailure(sourceIP)
		}
		return ErrInvalidCredentials
	}

	if s.RateLimiter != nil {
		s.RateLimiter.RecordSuccess(sourceIP)
	}
	return nil
}

// ErrRateLimited is returned by VerifyJoinPassword when sourceIP is
// currently locked out.
var ErrRateLimited = fmt.Errorf("rate limited")

// IssueSession creates and registers a new session for (meetID, location).
func (s *Service) IssueSession(meetID, location string) (*Session, error) {
	session, err := NewSession(meetID, location, s.IdleTTL, s.AbsoluteTTL)
	if err != nil {
		return nil, err
	}
	s.Sessions.Create(session)
	return session, nil
}

// Validate looks up and refreshes token's session (spec.md §4.2 "validate").
func (s *Service) Validate(token string) (*Session, error) {
	return s.Sessions.Get(token)
}

// RotateGraceWindow is how long a rotated-out token stays valid for
// in-flight messages (spec.md §4.2 "rotate").
const RotateGraceWindow = 30 * time.Second

// Rotate issues a new token for the session held by token (spec.md §4.2
// "rotate").
func (s *Service) Rotate(token string) (*Session, error) {
	return s.Sessions.Rotate(token, RotateGraceWindow)
}

// EncodeAuthBlob renders a HashedPassword and location table into the
// storage.AuthBlob persisted format.
func EncodeAuthBlob(hashed HashedPassword, locations []storage.LocationEntry, createdAt int64) storage.AuthBlob {
	return storage.AuthBlob{
		Algorithm: hashed.Algorithm,
		Params:    encodeKDFParams(hashed.Params),
		Salt:      EncodeSalt(hashed),
		Hash:      EncodeHash(hashed),
		Locations: locations,
		CreatedAt: createdAt,
	}
}

func encodeKDFParams(p KDFParams) map[string]int {
	return map[string]int{
		"time_cost":   int(p.TimeCost),
		"memory_kib":  int(p.MemoryKiB),
		"parallelism": int(p.Parallelism),
		"key_len":     int(p.KeyLen),
		"salt_len":    int(p.SaltLen),
	}
}

func decodeKDFParams(m map[string]int) KDFParams {
	return KDFParams{
		TimeCost:    uint32(m["time_cost"]),
		MemoryKiB:   uint32(m["memory_kib"]),
		Parallelism: uint8(m["parallelism"]),
		KeyLen:      uint32(m["key_len"]),
		SaltLen:     uint32(m["salt_len"]),
	}
}

// LocationsToMap converts the storage-ordered location list to the
// priority map the meet actor operates on.
func LocationsToMap(locations []storage.LocationEntry) map[string]int {
	out := make(map[string]int, len(locations))
	for _, l := range locations {
		out[l.Name] = l.Priority
	}
	return out
}
