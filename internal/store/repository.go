package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/render"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Repository interface {
	SavePlan(ctx context.Context, plan *creative.ExecutionPlan) error
	GetPlan(ctx context.Context, id string) (*creative.ExecutionPlan, error)
	ListPlanVersions(ctx context.Context, analysisID, blueprintID, variationID string) ([]*creative.ExecutionPlan, error)

	CreateVariation(ctx context.Context, v *Variation) error
	GetVariation(ctx context.Context, id string) (*Variation, error)
	ListVariations(ctx context.Context, status string, limit int) ([]*Variation, error)
	UpdateVariation(ctx context.Context, v *Variation) error
	ClaimRetry(ctx context.Context, id string, expectedCount int, mode string, now time.Time) error
	RecordOutcome(ctx context.Context, v *Variation) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SavePlan assigns the next version for the plan's (analysis, blueprint,
// variation) triple and stores it. plan.Version is updated in place.
func (r *SQLiteRepository) SavePlan(ctx context.Context, plan *creative.ExecutionPlan) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM plans
		WHERE analysis_id = ? AND blueprint_id = ? AND variation_id = ?
	`, plan.SourceAnalysisID, plan.SourceBlueprintID, plan.VariationID).Scan(&current)
	if err != nil {
		return fmt.Errorf("read plan version: %w", err)
	}
	plan.Version = int(current.Int64) + 1

	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plans (id, analysis_id, blueprint_id, variation_id, version, status, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.PlanID, plan.SourceAnalysisID, plan.SourceBlueprintID, plan.VariationID,
		plan.Version, string(plan.Status), string(body), plan.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetPlan(ctx context.Context, id string) (*creative.ExecutionPlan, error) {
	var body string
	err := r.db.QueryRowContext(ctx, "SELECT body FROM plans WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePlan(body)
}

func (r *SQLiteRepository) ListPlanVersions(ctx context.Context, analysisID, blueprintID, variationID string) ([]*creative.ExecutionPlan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM plans
		WHERE analysis_id = ? AND blueprint_id = ? AND variation_id = ?
		ORDER BY version ASC
	`, analysisID, blueprintID, variationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*creative.ExecutionPlan
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodePlan(body)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func decodePlan(body string) (*creative.ExecutionPlan, error) {
	var p creative.ExecutionPlan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

const variationColumns = `id, plan_id, status, video_url, config, retry_count, fallback_mode, engine_used,
	last_error, quality_score, created_at, updated_at, completed_at`

func (r *SQLiteRepository) CreateVariation(ctx context.Context, v *Variation) error {
	cfg, lastErr, err := encodeVariation(v)
	if err != nil {
		return err
	}
	if v.FallbackMode == "" {
		v.FallbackMode = "original"
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO variations (`+variationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, nullString(v.PlanID), v.Status, v.VideoURL, cfg, v.RetryCount, v.FallbackMode, v.EngineUsed,
		lastErr, nullFloat(v.QualityScore),
		v.CreatedAt.UTC().Format(timeLayout), v.UpdatedAt.UTC().Format(timeLayout), nullTime(v.CompletedAt))
	return err
}

func (r *SQLiteRepository) GetVariation(ctx context.Context, id string) (*Variation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+variationColumns+` FROM variations WHERE id = ?`, id)
	v, err := scanVariation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListVariations returns the newest variations first, optionally filtered by
// status.
func (r *SQLiteRepository) ListVariations(ctx context.Context, status string, limit int) ([]*Variation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+variationColumns+` FROM variations
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Variation
	for rows.Next() {
		v, err := scanVariation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) UpdateVariation(ctx context.Context, v *Variation) error {
	cfg, lastErr, err := encodeVariation(v)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE variations SET
			status = ?, video_url = ?, config = ?, retry_count = ?, fallback_mode = ?,
			engine_used = ?, last_error = ?, quality_score = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, v.Status, v.VideoURL, cfg, v.RetryCount, v.FallbackMode, v.EngineUsed, lastErr,
		nullFloat(v.QualityScore), v.UpdatedAt.UTC().Format(timeLayout), nullTime(v.CompletedAt), v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimRetry reserves the next retry attempt of a variation. The claim only
// succeeds while the stored retry count still equals expectedCount and no
// other attempt is rendering; otherwise ErrConflict is returned.
func (r *SQLiteRepository) ClaimRetry(ctx context.Context, id string, expectedCount int, mode string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE variations SET
			retry_count = retry_count + 1, fallback_mode = ?, status = ?, updated_at = ?
		WHERE id = ? AND retry_count = ? AND status != ?
	`, mode, VariationStatusRendering, now.UTC().Format(timeLayout), id, expectedCount, VariationStatusRendering)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM variations WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// RecordOutcome stores the render outcome of a variation. Retry count and
// fallback mode belong to ClaimRetry and are left alone.
func (r *SQLiteRepository) RecordOutcome(ctx context.Context, v *Variation) error {
	cfg, lastErr, err := encodeVariation(v)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE variations SET
			plan_id = COALESCE(?, plan_id), status = ?, video_url = ?, config = ?,
			engine_used = ?, last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, nullString(v.PlanID), v.Status, v.VideoURL, cfg, v.EngineUsed, lastErr,
		v.UpdatedAt.UTC().Format(timeLayout), nullTime(v.CompletedAt), v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVariation(row scanner) (*Variation, error) {
	var v Variation
	var planID, lastErr, completedAt sql.NullString
	var quality sql.NullFloat64
	var cfg, createdAt, updatedAt string

	err := row.Scan(&v.ID, &planID, &v.Status, &v.VideoURL, &cfg, &v.RetryCount, &v.FallbackMode, &v.EngineUsed,
		&lastErr, &quality, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	v.PlanID = planID.String
	if err := json.Unmarshal([]byte(cfg), &v.Config); err != nil {
		return nil, fmt.Errorf("decode variation config: %w", err)
	}
	if lastErr.Valid && lastErr.String != "" {
		var pe render.PipelineError
		if err := json.Unmarshal([]byte(lastErr.String), &pe); err != nil {
			return nil, fmt.Errorf("decode variation error: %w", err)
		}
		v.LastError = &pe
	}
	if quality.Valid {
		q := quality.Float64
		v.QualityScore = &q
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		v.CompletedAt = &t
	}
	return &v, nil
}

func encodeVariation(v *Variation) (string, sql.NullString, error) {
	cfg, err := json.Marshal(v.Config)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode variation config: %w", err)
	}
	if v.LastError == nil {
		return string(cfg), sql.NullString{}, nil
	}
	le, err := json.Marshal(v.LastError)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode variation error: %w", err)
	}
	return string(cfg), sql.NullString{String: string(le), Valid: true}, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
