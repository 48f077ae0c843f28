package booking

import (
	"context"
	"fmt"
	"time"

	"ms-booking/internal/models"
)

// UserDirectory resolves user ids to identities for compliance exports.
type UserDirectory interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

// ComplianceExport returns the audit trail for a time window, enriched with
// party emails when a user directory is wired in. Enrichment failures are
// logged and skipped; the export itself never fails because the registry is
// down.
func (s *Service) ComplianceExport(ctx context.Context, from, to time.Time) ([]models.ComplianceRecord, error) {
	if !to.After(from) {
		return nil, &ValidationError{Msg: "export window end must be after start"}
	}

	records, err := s.DB.ComplianceExport(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("compliance export failed: %w", err)
	}

	if s.Directory == nil {
		return records, nil
	}

	emails := make(map[string]string)
	lookup := func(userID string) string {
		if userID == "" || userID == models.ActorSystem {
			return ""
		}
		if email, ok := emails[userID]; ok {
			return email
		}
		email, err := s.Directory.UserEmail(ctx, userID)
		if err != nil {
			s.Logger.Warn("COMPLIANCE", fmt.Sprintf("Identity lookup failed for %s: %v", userID, err))
			email = ""
		}
		emails[userID] = email
		return email
	}

	for i := range records {
		records[i].RenterEmail = lookup(records[i].RenterID)
		records[i].OwnerEmail = lookup(records[i].OwnerID)
	}
	return records, nil
}
