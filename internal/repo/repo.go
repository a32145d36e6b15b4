package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const activityColumns = `id,COALESCE(external_id,''),type,activity_date,COALESCE(territory,''),COALESCE(zone,''),COALESCE(bu,''),COALESCE(state,''),COALESCE(officer_name,''),status,created_at,updated_at`

func scanActivity(scan func(...any) error) (domain.Activity, error) {
	var a domain.Activity
	err := scan(&a.ID, &a.ExternalID, &a.Type, &a.Date, &a.Territory, &a.Zone, &a.BU, &a.State, &a.OfficerName, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UpsertActivity inserts or refreshes an activity row. Lifecycle status is
// only set on insert; the sync source never overwrites engine-owned state.
func (r Repo) UpsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO activities(id,external_id,type,activity_date,territory,zone,bu,state,officer_name,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET external_id=excluded.external_id, type=excluded.type, activity_date=excluded.activity_date,
territory=excluded.territory, zone=excluded.zone, bu=excluded.bu, state=excluded.state, officer_name=excluded.officer_name, updated_at=excluded.updated_at`,
		a.ID, nullable(a.ExternalID), a.Type, a.Date, nullable(a.Territory), nullable(a.Zone), nullable(a.BU), nullable(a.State), nullable(a.OfficerName),
		a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

type ActivityFilters struct {
	Status   domain.ActivityStatus
	Type     domain.ActivityType
	DateFrom string
	DateTo   string
	BU       string
	State    string
	Limit    int
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "activity_date>=?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "activity_date<=?")
		args = append(args, f.DateTo)
	}
	if f.BU != "" {
		clauses = append(clauses, "bu=?")
		args = append(args, f.BU)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + activityColumns + ` FROM activities ` + where + ` ORDER BY activity_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CandidateFilters scope the activities a sampling run will visit.
type CandidateFilters struct {
	Statuses      []domain.ActivityStatus
	EligibleTypes []string
	DateFrom      string
	DateTo        string
}

func (r Repo) ListCandidateActivities(ctx context.Context, f CandidateFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.EligibleTypes) > 0 {
		ph := make([]string, len(f.EligibleTypes))
		for i, t := range f.EligibleTypes {
			ph[i] = "?"
			args = append(args, t)
		}
		clauses = append(clauses, "type IN ("+strings.Join(ph, ",")+")")
	}
	if f.DateFrom != "" {
		clauses = append(clauses, "activity_date>=?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "activity_date<=?")
		args = append(args, f.DateTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + activityColumns + ` FROM activities ` + where + ` ORDER BY activity_date ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountNeverSampledActive counts active activities of eligible types, the
// gate the auto-run threshold compares against.
func (r Repo) CountNeverSampledActive(ctx context.Context, eligibleTypes []string) (int, error) {
	args := []any{domain.ActivityActive}
	query := `SELECT count(*) FROM activities WHERE status=?`
	if len(eligibleTypes) > 0 {
		ph := make([]string, len(eligibleTypes))
		for i, t := range eligibleTypes {
			ph[i] = "?"
			args = append(args, t)
		}
		query += ` AND type IN (` + strings.Join(ph, ",") + `)`
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// ActiveDateBounds returns the earliest and latest activity date among
// active activities. ok is false when none exist.
func (r Repo) ActiveDateBounds(ctx context.Context) (from, to string, ok bool, err error) {
	var minDate, maxDate sql.NullString
	err = r.DB.QueryRowContext(ctx, `SELECT MIN(activity_date), MAX(activity_date) FROM activities WHERE status=?`, domain.ActivityActive).
		Scan(&minDate, &maxDate)
	if err != nil {
		return "", "", false, err
	}
	if !minDate.Valid || !maxDate.Valid {
		return "", "", false, nil
	}
	return minDate.String, maxDate.String, true, nil
}

func (r Repo) UpdateActivityStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ActivityStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNotEligibleExceptTypes flips activities of excluded types to
// not_eligible. Returns the number of affected rows.
func (r Repo) MarkNotEligibleExceptTypes(ctx context.Context, tx *sql.Tx, eligibleTypes []string, now string) (int64, error) {
	args := []any{domain.ActivityNotEligible, now}
	ph := make([]string, len(eligibleTypes))
	for i, t := range eligibleTypes {
		ph[i] = "?"
		args = append(args, t)
	}
	args = append(args, domain.ActivityNotEligible)
	res, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, updated_at=? WHERE type NOT IN (`+strings.Join(ph, ",")+`) AND status != ?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RestoreEligibleTypes flips not_eligible activities of re-included types
// back to active.
func (r Repo) RestoreEligibleTypes(ctx context.Context, tx *sql.Tx, eligibleTypes []string, now string) (int64, error) {
	args := []any{domain.ActivityActive, now}
	ph := make([]string, len(eligibleTypes))
	for i, t := range eligibleTypes {
		ph[i] = "?"
		args = append(args, t)
	}
	args = append(args, domain.ActivityNotEligible)
	res, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, updated_at=? WHERE type IN (`+strings.Join(ph, ",")+`) AND status=?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReactivationFilters scope a reactivation to (fromStatus, dateRange).
type ReactivationFilters struct {
	FromStatus domain.ActivityStatus
	DateFrom   string
	DateTo     string
}

func (r Repo) ListReactivationTargets(ctx context.Context, f ReactivationFilters) ([]string, error) {
	clauses := []string{"status=?"}
	args := []any{f.FromStatus}
	if f.DateFrom != "" {
		clauses = append(clauses, "activity_date>=?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		clauses = append(clauses, "activity_date<=?")
		args = append(args, f.DateTo)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM activities WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountActivitiesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM activities GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- farmers ---

func (r Repo) UpsertFarmer(ctx context.Context, tx *sql.Tx, f domain.Farmer) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO farmers(id,name,phone,language,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, language=excluded.language`,
		f.ID, f.Name, nullable(f.Phone), f.Language, f.CreatedAt)
	return err
}

func (r Repo) LinkActivityFarmer(ctx context.Context, tx *sql.Tx, activityID, farmerID string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT OR IGNORE INTO activity_farmers(activity_id, farmer_id) VALUES (?,?)`, activityID, farmerID)
	return err
}

func (r Repo) GetFarmer(ctx context.Context, id string) (domain.Farmer, error) {
	var f domain.Farmer
	var phone sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,phone,language,created_at FROM farmers WHERE id=?`, id).
		Scan(&f.ID, &f.Name, &phone, &f.Language, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if phone.Valid {
		f.Phone = phone.String
	}
	return f, err
}

func (r Repo) CountActivityFarmers(ctx context.Context, activityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM activity_farmers WHERE activity_id=?`, activityID).Scan(&n)
	return n, err
}

// ListEligibleFarmersPage returns one keyset page of an activity's attendees
// that are outside the farmer cooling window (entry at or before the cutoff,
// or absent) and not already holding an original task for the activity.
func (r Repo) ListEligibleFarmersPage(ctx context.Context, activityID, coolingCutoff, afterID string, limit int) ([]domain.Farmer, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT f.id, f.name, COALESCE(f.phone,''), f.language, f.created_at
FROM activity_farmers af
JOIN farmers f ON f.id = af.farmer_id
LEFT JOIN cooling_entries ce ON ce.entity_kind='farmer' AND ce.entity_id = f.id
WHERE af.activity_id = ?
  AND f.id > ?
  AND (ce.last_sampled_at IS NULL OR ce.last_sampled_at <= ?)
  AND NOT EXISTS (
    SELECT 1 FROM call_tasks t
    WHERE t.activity_id = af.activity_id AND t.farmer_id = f.id AND t.callback_number = 0
  )
ORDER BY f.id ASC
LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, activityID, afterID, coolingCutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Farmer
	for rows.Next() {
		var f domain.Farmer
		if err := rows.Scan(&f.ID, &f.Name, &f.Phone, &f.Language, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// --- sampling config ---

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM sampling_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	return r.upsertConfig(ctx, nil, cfg)
}

func (r Repo) UpsertConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return r.upsertConfig(ctx, tx, cfg)
}

func (r Repo) upsertConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO sampling_config(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteActivityEventsTx removes the audit trail for the given activities.
func (r Repo) DeleteActivityEventsTx(ctx context.Context, tx *sql.Tx, activityIDs []string) (int64, error) {
	if len(activityIDs) == 0 {
		return 0, nil
	}
	ph := make([]string, len(activityIDs))
	args := make([]any, len(activityIDs))
	for i, id := range activityIDs {
		ph[i] = "?"
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE entity_kind='activity' AND entity_id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
