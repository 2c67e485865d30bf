package state

import (
	"context"
	"fmt"
	"time"
)

// TryLease takes the named lease for holder until ttl elapses. It returns
// false while another holder's lease is unexpired. Every process sharing the
// database sees the same leases.
func (s *Store) TryLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	const expire = `DELETE FROM sync_leases WHERE name = ? AND expires_at < ?`
	if _, err := s.db.ExecContext(ctx, s.q(expire), name, formatTime(now)); err != nil {
		return false, fmt.Errorf("expiring lease %q: %w", name, err)
	}
	const take = `INSERT INTO sync_leases (name, holder, expires_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.q(take), name, holder, formatTime(now.Add(ttl))); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("taking lease %q: %w", name, err)
	}
	return true, nil
}

// ReleaseLease drops the named lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	const q = `DELETE FROM sync_leases WHERE name = ? AND holder = ?`
	if _, err := s.db.ExecContext(ctx, s.q(q), name, holder); err != nil {
		return fmt.Errorf("releasing lease %q: %w", name, err)
	}
	return nil
}
