package restore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

const codeDigits = 6

// newCode returns a random numeric confirmation code
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", appErrors.NewAppError(appErrors.ErrorTypeInternal, appErrors.ReasonInternal,
			"failed to generate a confirmation code", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Confirm accepts the single-use code handed out by PlanRestore and moves
// the restore to processing
func (e *Engine) Confirm(ctx context.Context, tenantID, restoreID, code, confirmer string) (*model.Restore, error) {
	rs, err := e.lookup(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	if rs.Status != model.RestoreAwaitingConfirmation {
		if !rs.ConfirmedAt.IsZero() {
			return nil, appErrors.NewConflictError(appErrors.ReasonAlreadyConfirmed,
				fmt.Sprintf("restore %s was already confirmed by %s", rs.RestoreNumber, rs.ConfirmedBy))
		}
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s is %s and does not await confirmation", rs.RestoreNumber, rs.Status))
	}

	now := e.clock.Now().UTC()
	if !now.Before(rs.ConfirmationExpiresAt) {
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "confirmation code has expired").
			WithContext("expired_at", rs.ConfirmationExpiresAt).
			WithUserMessage("The confirmation code has expired. Plan the restore again to get a new one.")
	}
	if subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(rs.ConfirmationCodeHash)) != 1 {
		e.logger.WithFields(map[string]interface{}{
			"tenant_id":  rs.TenantID,
			"restore_id": rs.ID,
			"confirmer":  confirmer,
		}).Warn("Wrong restore confirmation code")
		return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput, "confirmation code does not match")
	}

	rs.ConfirmationCodeHash = ""
	rs.ConfirmedBy = confirmer
	rs.ConfirmedAt = now
	err = e.transition(ctx, rs, model.RestoreProcessing, "restore.confirmed", confirmer, map[string]interface{}{
		"method": rs.ConfirmationMethod,
	})
	if appErrors.IsConflict(err) {
		return nil, appErrors.NewConflictError(appErrors.ReasonAlreadyConfirmed,
			fmt.Sprintf("restore %s was confirmed concurrently", rs.RestoreNumber))
	}
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ResolveConflicts stores a decision for every conflict an ask-mode pass
// recorded and returns the restore to processing. The next Execute applies
// the decisions and reuses the safety backup.
func (e *Engine) ResolveConflicts(ctx context.Context, tenantID, restoreID string, resolutions map[string]model.ConflictMode, actor string) (*model.Restore, error) {
	rs, err := e.lookup(ctx, tenantID, restoreID)
	if err != nil {
		return nil, err
	}
	if rs.Status != model.RestoreAwaitingResolution {
		return nil, appErrors.NewConflictError(appErrors.ReasonInvalidState,
			fmt.Sprintf("restore %s is %s and has no open conflicts", rs.RestoreNumber, rs.Status))
	}

	open := make(map[string]bool, len(rs.Conflicts))
	for _, c := range rs.Conflicts {
		open[c.Key()] = true
	}

	var errs appErrors.ValidationErrors
	keys := make([]string, 0, len(resolutions))
	for key := range resolutions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		mode := resolutions[key]
		switch {
		case !open[key]:
			errs.Add(key, "no such conflict")
		case mode != model.ConflictSkip && mode != model.ConflictReplace && mode != model.ConflictMerge:
			errs.Add(key, fmt.Sprintf("resolution must be skip, replace or merge, got %q", mode))
		}
	}
	var unresolved int
	for key := range open {
		if _, ok := resolutions[key]; !ok {
			unresolved++
		}
	}
	if unresolved > 0 {
		errs.Add("resolutions", fmt.Sprintf("%d conflicts have no resolution", unresolved))
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}

	if rs.ConflictResolutions == nil {
		rs.ConflictResolutions = make(map[string]model.ConflictMode, len(resolutions))
	}
	counts := make(map[model.ConflictMode]int)
	for key, mode := range resolutions {
		rs.ConflictResolutions[key] = mode
		counts[mode]++
	}
	rs.Conflicts = nil

	err = e.transition(ctx, rs, model.RestoreProcessing, "restore.conflicts_resolved", actor, map[string]interface{}{
		"resolved": len(resolutions),
		"by_mode":  counts,
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}
