package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-notification-service/internal/model"
	"otp-notification-service/internal/util"
)

// OTPRepository persists OTP records. otp_records is keyed by transaction
// reference; otp_active is a lookup table keyed by contact that tracks
// the live record per (contact, user, event type) tuple.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

// CreateSuperseding inserts a new record and flips the previously active
// record for the same (user, contact, event type) tuple to superseded.
// The otp_active pointer is swapped with a lightweight transaction, so
// two concurrent issues for the same tuple cannot both end up live: the
// pointer swap itself arbitrates, and the loser re-observes and retries.
func (r *OTPRepository) CreateSuperseding(ctx context.Context, rec *model.OTPRecord) (string, error) {
	if rec.OTPID == "" {
		rec.OTPID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	supersededRef, err := r.claimActiveRef(ctx, rec)
	if err != nil {
		return "", err
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	if supersededRef != "" {
		batch.Query(`UPDATE otp_records SET superseded = true WHERE transaction_reference = ?`, supersededRef)
	}

	batch.Query(`
        INSERT INTO otp_records (
            transaction_reference, otp_id, user_id, contact, contact_bucket,
            code_hash, code_salt, pepper_version, event_type, medium,
            expires_at, verified, verified_at, attempts, superseded, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransactionReference, rec.OTPID, rec.UserID, rec.Contact, rec.ContactBucket,
		rec.CodeHash, rec.CodeSalt, rec.PepperVersion, string(rec.EventType), string(rec.Medium),
		rec.ExpiresAt, false, nil, 0, false, rec.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create OTP record",
			zap.String("transaction_reference", rec.TransactionReference),
			zap.String("event_type", string(rec.EventType)),
			zap.Error(err))
		return "", fmt.Errorf("failed to create otp record: %w", err)
	}

	util.Info("OTP record created",
		zap.String("transaction_reference", rec.TransactionReference),
		zap.String("event_type", string(rec.EventType)),
		zap.Bool("superseded_previous", supersededRef != ""),
		zap.Time("expires_at", rec.ExpiresAt))

	return supersededRef, nil
}

// claimActiveRef points otp_active at the new record. Insert-if-absent
// claims a free slot; an occupied slot is swapped only against the
// observed reference, so racing claims serialize on the pointer.
func (r *OTPRepository) claimActiveRef(ctx context.Context, rec *model.OTPRecord) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		prev := map[string]interface{}{}
		applied, err := r.client.Query(`
        INSERT INTO otp_active (contact, user_id, event_type, transaction_reference, expires_at)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
			rec.Contact, rec.UserID, string(rec.EventType), rec.TransactionReference, rec.ExpiresAt).
			WithContext(ctx).
			MapScanCAS(prev)
		if err != nil {
			return "", fmt.Errorf("failed to claim active otp slot: %w", err)
		}
		if applied {
			return "", nil
		}

		observed, _ := prev["transaction_reference"].(string)
		applied, err = r.client.Query(`
        UPDATE otp_active SET transaction_reference = ?, expires_at = ?
        WHERE contact = ? AND user_id = ? AND event_type = ?
        IF transaction_reference = ?`,
			rec.TransactionReference, rec.ExpiresAt,
			rec.Contact, rec.UserID, string(rec.EventType), observed).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return "", fmt.Errorf("failed to swap active otp pointer: %w", err)
		}
		if applied {
			return observed, nil
		}
		// Lost the swap to a concurrent issue; observe the winner and
		// try again.
	}
	return "", fmt.Errorf("failed to claim active otp slot after repeated conflicts")
}

func (r *OTPRepository) GetByTransactionRef(ctx context.Context, ref string) (*model.OTPRecord, error) {
	rec := &model.OTPRecord{}
	var eventType, medium string
	var verifiedAt *time.Time

	query := r.client.Prepared.GetOTPByRef.Bind(ref).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&rec.TransactionReference, &rec.OTPID, &rec.UserID, &rec.Contact, &rec.ContactBucket,
		&rec.CodeHash, &rec.CodeSalt, &rec.PepperVersion, &eventType, &medium,
		&rec.ExpiresAt, &rec.Verified, &verifiedAt, &rec.Attempts, &rec.Superseded, &rec.CreatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrOtpNotFound
		}
		util.Error("Failed to get OTP by transaction reference",
			zap.String("transaction_reference", ref),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get otp record: %w", err)
	}

	rec.EventType = model.EventType(eventType)
	rec.Medium = model.Medium(medium)
	rec.VerifiedAt = verifiedAt
	return rec, nil
}

// ListActiveByContact resolves otp_active pointers for a contact into
// full records, dropping any whose lifecycle has since gone terminal.
func (r *OTPRepository) ListActiveByContact(ctx context.Context, contact string) ([]*model.OTPRecord, error) {
	iter := r.client.Prepared.ListActiveByContact.Bind(contact).WithContext(ctx).Iter()

	var refs []string
	var ref string
	for iter.Scan(&ref) {
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list active otps for contact: %w", err)
	}

	now := time.Now().UTC()
	records := make([]*model.OTPRecord, 0, len(refs))
	for _, r2 := range refs {
		rec, err := r.GetByTransactionRef(ctx, r2)
		if err != nil {
			if err == model.ErrOtpNotFound {
				continue
			}
			return nil, err
		}
		if rec.Verified || rec.Superseded || now.After(rec.ExpiresAt) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkVerified is a lightweight-transaction swap from unverified to
// verified. The attempts guard makes concurrent verify calls race
// safely: exactly one wins. The winning verification counts as an
// attempt too.
func (r *OTPRepository) MarkVerified(ctx context.Context, ref string, expectedAttempts int, verifiedAt time.Time) (bool, error) {
	applied, err := r.client.Query(`
        UPDATE otp_records SET verified = true, verified_at = ?, attempts = ?
        WHERE transaction_reference = ?
        IF verified = false AND superseded = false AND attempts = ?`,
		verifiedAt, expectedAttempts+1, ref, expectedAttempts).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP verified",
			zap.String("transaction_reference", ref),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark otp verified: %w", err)
	}

	if applied {
		util.Info("OTP marked verified",
			zap.String("transaction_reference", ref),
			zap.Time("verified_at", verifiedAt))
	}
	return applied, nil
}

// IncrementAttempts bumps the failure counter with the same
// compare-and-swap discipline as MarkVerified.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, ref string, expectedAttempts int) (bool, error) {
	applied, err := r.client.Query(`
        UPDATE otp_records SET attempts = ?
        WHERE transaction_reference = ?
        IF verified = false AND attempts = ?`,
		expectedAttempts+1, ref, expectedAttempts).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to increment OTP attempts",
			zap.String("transaction_reference", ref),
			zap.Error(err))
		return false, fmt.Errorf("failed to increment otp attempts: %w", err)
	}
	return applied, nil
}

// DeleteExpired removes records whose expiry is older than the cutoff.
// Audit history lives in ClickHouse, so nothing is lost by pruning.
func (r *OTPRepository) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Query(`
        SELECT transaction_reference, contact, user_id, event_type
        FROM otp_records WHERE expires_at < ? ALLOW FILTERING`, before).
		WithContext(ctx).Iter()

	var ref, contact, userID, eventType string
	deletedCount := 0

	batch := r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	batchSize := 0

	for iter.Scan(&ref, &contact, &userID, &eventType) {
		batch.Query(`DELETE FROM otp_records WHERE transaction_reference = ?`, ref)
		batch.Query(`DELETE FROM otp_active WHERE contact = ? AND user_id = ? AND event_type = ?`,
			contact, userID, eventType)
		batchSize++

		if batchSize >= 100 {
			if err := r.client.ExecuteBatch(batch); err != nil {
				iter.Close()
				return deletedCount, fmt.Errorf("failed to delete expired otps: %w", err)
			}
			deletedCount += batchSize
			batch = r.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := r.client.ExecuteBatch(batch); err != nil {
			iter.Close()
			return deletedCount, fmt.Errorf("failed to delete expired otps: %w", err)
		}
		deletedCount += batchSize
	}

	if err := iter.Close(); err != nil {
		return deletedCount, fmt.Errorf("failed to scan expired otps: %w", err)
	}

	util.Info("Expired OTP records deleted", zap.Int("deleted_count", deletedCount))
	return deletedCount, nil
}
