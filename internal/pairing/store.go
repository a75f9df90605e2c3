// Package pairing implements the DM pairing workflow: unknown senders
// receive a short code, operator approval appends them to the channel's
// durable allowlist, and the policy gate merges that allowlist with the
// configured one on every decision.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// ErrNotFound is returned when no pairing request exists for the key.
var ErrNotFound = errors.New("pairing request not found")

// Request is one pending or approved pairing entry, unique per
// (channel, id).
type Request struct {
	ID         string            `json:"id"`
	Code       string            `json:"code"`
	CreatedAt  int64             `json:"createdAt"`            // ms epoch
	ApprovedAt int64             `json:"approvedAt,omitempty"` // ms epoch, 0 = pending
	Meta       map[string]string `json:"meta,omitempty"`
}

// channelFile is the on-disk document, one per channel.
type channelFile struct {
	Requests  []Request `json:"requests"`
	AllowFrom []string  `json:"allowFrom"`
}

// Store persists pairing requests and the accreted per-channel
// allowlist as one JSON document per channel, written atomically.
// Safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a pairing store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(channel string) string {
	return filepath.Join(s.dir, channel+".json")
}

func (s *Store) load(channel string) (*channelFile, error) {
	data, err := os.ReadFile(s.path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return &channelFile{}, nil
		}
		return nil, fmt.Errorf("read pairing store: %w", err)
	}
	var f channelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairing store: %w", err)
	}
	return &f, nil
}

func (s *Store) save(channel string, f *channelFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path(channel)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// UpsertResult reports the request's code and whether this call created
// it. created=false means a request already existed and no new pairing
// reply should be sent.
type UpsertResult struct {
	Code    string
	Created bool
}

// UpsertRequest creates a pairing request for (channel, id) if none
// exists, returning the existing one otherwise.
func (s *Store) UpsertRequest(channel, id string, meta map[string]string) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(channel)
	if err != nil {
		return UpsertResult{}, err
	}
	for _, r := range f.Requests {
		if r.ID == id {
			return UpsertResult{Code: r.Code}, nil
		}
	}
	code, err := newCode()
	if err != nil {
		return UpsertResult{}, err
	}
	f.Requests = append(f.Requests, Request{
		ID:        id,
		Code:      code,
		CreatedAt: bus.NowMillis(),
		Meta:      meta,
	})
	if err := s.save(channel, f); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Code: code, Created: true}, nil
}

// Approve marks the request approved and appends its id to the
// channel's durable allowlist.
func (s *Store) Approve(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(channel)
	if err != nil {
		return err
	}
	found := false
	for i := range f.Requests {
		if f.Requests[i].ID == id {
			if f.Requests[i].ApprovedAt == 0 {
				f.Requests[i].ApprovedAt = bus.NowMillis()
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("approve %s/%s: %w", channel, id, ErrNotFound)
	}
	if !contains(f.AllowFrom, id) {
		f.AllowFrom = append(f.AllowFrom, id)
	}
	return s.save(channel, f)
}

// ApproveByCode approves whichever pending request carries the code.
// Returns the approved sender id.
func (s *Store) ApproveByCode(channel, code string) (string, error) {
	s.mu.Lock()
	id := ""
	f, err := s.load(channel)
	if err == nil {
		for _, r := range f.Requests {
			if strings.EqualFold(r.Code, code) {
				id = r.ID
				break
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("approve by code %s/%s: %w", channel, code, ErrNotFound)
	}
	return id, s.Approve(channel, id)
}

// DeleteRequest removes the request. The allowlist entry, if any,
// stays; revocation is a separate operator action.
func (s *Store) DeleteRequest(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(channel)
	if err != nil {
		return err
	}
	kept := f.Requests[:0]
	removed := false
	for _, r := range f.Requests {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return fmt.Errorf("delete %s/%s: %w", channel, id, ErrNotFound)
	}
	f.Requests = kept
	return s.save(channel, f)
}

// AllowFrom returns the channel's durable allowlist accreted by
// approvals.
func (s *Store) AllowFrom(channel string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(channel)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(f.AllowFrom))
	copy(out, f.AllowFrom)
	return out, nil
}

// ListRequests returns all requests for a channel.
func (s *Store) ListRequests(channel string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(channel)
	if err != nil {
		return nil, err
	}
	out := make([]Request, len(f.Requests))
	copy(out, f.Requests)
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newCode generates a short human-readable pairing token.
func newCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
