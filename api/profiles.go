package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jmcleod/taskboard/storage"
)

const (
	profileCollection     = "profiles"
	maxDisplayNameLength  = 128
	maxProfileCASAttempts = 3
)

// profile is the per-user record created on first login and refreshed on
// every login from the identity token's claims.
type profile struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

type profileStore struct {
	repo storage.Repository
}

func (p *profileStore) load(ctx context.Context, subject string) (*profile, uint64, error) {
	doc, err := p.repo.Get(ctx, profileCollection, subject)
	if err != nil {
		return nil, 0, err
	}
	var rec profile
	if err := storage.Decode(doc, &rec); err != nil {
		return nil, 0, err
	}
	return &rec, doc.Version, nil
}

func (p *profileStore) get(ctx context.Context, subject string) (*profile, error) {
	rec, _, err := p.load(ctx, subject)
	return rec, err
}

// recordLogin upserts subject's profile.
func (p *profileStore) recordLogin(ctx context.Context, subject, name, email string, now time.Time) error {
	name = displayName(name)
	now = now.UTC()
	for range maxProfileCASAttempts {
		rec, version, err := p.load(ctx, subject)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rec = &profile{SubjectID: subject, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("loading profile: %w", err)
		}
		if name != "" {
			rec.DisplayName = name
		}
		if email != "" {
			rec.Email = strings.ToLower(strings.TrimSpace(email))
		}
		rec.LastLoginAt = now

		doc, err := storage.Encode(rec, version+1)
		if err != nil {
			return err
		}
		err = p.repo.PutCAS(ctx, profileCollection, subject, version, doc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("storing profile: %w", err)
		}
	}
	return fmt.Errorf("storing profile for %s: %w", subject, storage.ErrCASFailed)
}

// displayName NFC-normalizes and truncates a provider-supplied name.
func displayName(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	if r := []rune(name); len(r) > maxDisplayNameLength {
		name = string(r[:maxDisplayNameLength])
	}
	return name
}
