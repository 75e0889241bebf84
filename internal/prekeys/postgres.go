package prekeys

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresDirectory is the production Directory, backed by the relay's
// Postgres instance. One-time prekey consumption is serialized by row
// locks (`FOR UPDATE SKIP LOCKED`), so concurrent fetches for the same
// user never return the same prekey.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory wraps an open database handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// PublishBundle replaces the user's current bundle row and appends the
// provided one-time prekeys as unused. Nothing is written when the
// signature check fails.
func (d *PostgresDirectory) PublishBundle(ctx context.Context, user uuid.UUID, identityDH, identitySigning []byte, spk SignedPrekeyRecord, otps []OneTimePrekeyRecord) error {
	if err := verifyPublish(identitySigning, spk); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prekey_bundles (user_id, identity_key, identity_signing_key, signed_prekey, signed_prekey_signature, prekey_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			identity_key = EXCLUDED.identity_key,
			identity_signing_key = EXCLUDED.identity_signing_key,
			signed_prekey = EXCLUDED.signed_prekey,
			signed_prekey_signature = EXCLUDED.signed_prekey_signature,
			prekey_id = EXCLUDED.prekey_id,
			created_at = NOW()`,
		user, identityDH, identitySigning, spk.Pub, spk.Signature, int64(spk.ID))
	if err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}

	if err := appendOTPs(ctx, tx, user, otps); err != nil {
		return err
	}
	return tx.Commit()
}

// FetchBundle reads the current bundle and atomically consumes one unused
// one-time prekey when the pool is not empty.
func (d *PostgresDirectory) FetchBundle(ctx context.Context, user uuid.UUID) (*BundleRecord, int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch bundle: %w", err)
	}
	defer tx.Rollback()

	rec := &BundleRecord{}
	var prekeyID int64
	err = tx.QueryRowContext(ctx, `
		SELECT identity_key, identity_signing_key, signed_prekey, signed_prekey_signature, prekey_id
		FROM prekey_bundles WHERE user_id = $1`, user).
		Scan(&rec.IdentityDH, &rec.IdentitySigning, &rec.SignedPrekey.Pub, &rec.SignedPrekey.Signature, &prekeyID)
	if err == sql.ErrNoRows {
		return nil, 0, ErrUnknownUser
	}
	if err != nil {
		return nil, 0, fmt.Errorf("fetch bundle: %w", err)
	}
	rec.SignedPrekey.ID = uint32(prekeyID)

	// Select-and-mark one unused one-time prekey. SKIP LOCKED keeps
	// concurrent fetches from blocking on (or double-spending) the same row.
	var otpRowID int64
	var otpID int64
	var otpPub []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, prekey_id, prekey FROM one_time_prekeys
		WHERE user_id = $1 AND used = FALSE
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, user).Scan(&otpRowID, &otpID, &otpPub)
	switch {
	case err == sql.ErrNoRows:
		// Pool empty: the bundle still goes out, without an OTP.
	case err != nil:
		return nil, 0, fmt.Errorf("fetch bundle: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE one_time_prekeys SET used = TRUE WHERE id = $1`, otpRowID); err != nil {
			return nil, 0, fmt.Errorf("fetch bundle: %w", err)
		}
		rec.OneTime = &OneTimePrekeyRecord{ID: uint32(otpID), Pub: otpPub}
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND used = FALSE`, user).
		Scan(&remaining)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch bundle: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("fetch bundle: %w", err)
	}
	return rec, remaining, nil
}

// AppendOneTimePrekeys adds unused one-time prekeys to the user's pool.
func (d *PostgresDirectory) AppendOneTimePrekeys(ctx context.Context, user uuid.UUID, otps []OneTimePrekeyRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append prekeys: %w", err)
	}
	defer tx.Rollback()
	if err := appendOTPs(ctx, tx, user, otps); err != nil {
		return err
	}
	return tx.Commit()
}

// RemainingOneTimePrekeys counts the user's unused pool.
func (d *PostgresDirectory) RemainingOneTimePrekeys(ctx context.Context, user uuid.UUID) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND used = FALSE`, user).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prekeys: %w", err)
	}
	return n, nil
}

func appendOTPs(ctx context.Context, tx *sql.Tx, user uuid.UUID, otps []OneTimePrekeyRecord) error {
	for _, otp := range otps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO one_time_prekeys (user_id, prekey, prekey_id, used, created_at)
			VALUES ($1, $2, $3, FALSE, NOW())`,
			user, otp.Pub, int64(otp.ID)); err != nil {
			return fmt.Errorf("append prekeys: %w", err)
		}
	}
	return nil
}
