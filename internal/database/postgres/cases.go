package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/facematch"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// normalizedName mirrors facematch.NormalizeName in SQL.
const normalizedName = `BTRIM(REGEXP_REPLACE(LOWER(REPLACE(unaccent(name), '-', ' ')), '\s+', ' ', 'g'))`

const caseColumns = `child_id, embedding_id, name, age, gender, guardian_contact, image_reference, status,
	distinguishing_features, last_known_location, registered_at, last_updated_at, registration_complete`

// CaseRepository is the PostgreSQL-backed metadata store for cases.
type CaseRepository struct {
	pool *Pool
}

var _ database.CaseStore = (*CaseRepository)(nil)

// NewCaseRepository creates a new PostgreSQL case repository.
func NewCaseRepository(pool *Pool) *CaseRepository {
	return &CaseRepository{pool: pool}
}

// ReserveEmbeddingID allocates the next embedding id from embedding_id_seq.
func (r *CaseRepository) ReserveEmbeddingID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, "SELECT nextval('embedding_id_seq')").Scan(&id); err != nil {
		return 0, fmt.Errorf("reserve embedding id: %w", classify(err))
	}
	return id, nil
}

// LastReservedEmbeddingID returns the last value handed out by embedding_id_seq.
func (r *CaseRepository) LastReservedEmbeddingID(ctx context.Context) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		"SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM embedding_id_seq").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read embedding id sequence: %w", classify(err))
	}
	return id, nil
}

// Insert stores a pending case row. Status defaults to Open.
func (r *CaseRepository) Insert(ctx context.Context, rec *database.CaseRecord) (int64, error) {
	if err := validateRecord(rec); err != nil {
		return 0, err
	}
	status := rec.Status
	if status == "" {
		status = database.StatusOpen
	}

	query := `
		INSERT INTO cases (embedding_id, name, age, gender, guardian_contact, image_reference, status,
		                   distinguishing_features, last_known_location, embedding, registration_complete)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		RETURNING child_id, registered_at, last_updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		rec.EmbeddingID, rec.Name, rec.Age, string(rec.Gender), rec.GuardianContact, rec.ImageReference,
		string(status), nullString(rec.DistinguishingFeatures), nullString(rec.LastKnownLocation),
		pgvector.NewVector(rec.Embedding),
	).Scan(&rec.ChildID, &rec.RegisteredAt, &rec.LastUpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, fmt.Errorf("insert case %d: %w", rec.EmbeddingID, database.ErrDuplicateID)
		}
		return 0, fmt.Errorf("insert case %d: %w", rec.EmbeddingID, classify(err))
	}

	rec.Status = status
	rec.RegistrationComplete = false
	return rec.ChildID, nil
}

// MarkRegistered flips a pending row to complete.
func (r *CaseRepository) MarkRegistered(ctx context.Context, embeddingID int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE cases SET registration_complete = TRUE
		WHERE embedding_id = $1 AND NOT registration_complete
	`, embeddingID)
	if err != nil {
		return fmt.Errorf("mark case %d registered: %w", embeddingID, err)
	}
	return expectRow(result, embeddingID)
}

// Get retrieves a complete case with its embedding.
func (r *CaseRepository) Get(ctx context.Context, embeddingID int64) (*database.CaseRecord, error) {
	query := `SELECT ` + caseColumns + `, embedding FROM cases WHERE embedding_id = $1 AND registration_complete`

	var c caseRow
	var vec pgvector.Vector
	err := r.pool.QueryRow(ctx, query, embeddingID).Scan(append(c.dest(), &vec)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case %d: %w", embeddingID, classify(err))
	}

	rec := c.record()
	rec.Embedding = vec.Slice()
	return &rec, nil
}

// ListByStatus returns complete cases in the given status.
func (r *CaseRepository) ListByStatus(ctx context.Context, status database.CaseStatus) ([]database.CaseRecord, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE status = $1 AND registration_complete
		ORDER BY embedding_id`

	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list cases by status: %w", err)
	}
	defer rows.Close()

	return scanCases(rows)
}

// SearchByName returns open cases whose normalized name contains the normalized substring.
func (r *CaseRepository) SearchByName(ctx context.Context, substring string) ([]database.CaseRecord, error) {
	pattern := "%" + escapeLike(facematch.NormalizeName(substring)) + "%"

	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE status = 'Open' AND registration_complete
		  AND ` + normalizedName + ` LIKE $1 ESCAPE '\'
		ORDER BY embedding_id`

	rows, err := r.pool.Query(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("search cases by name: %w", err)
	}
	defer rows.Close()

	return scanCases(rows)
}

// GuardianContacts returns the distinct contacts registered for open cases with the given name.
func (r *CaseRepository) GuardianContacts(ctx context.Context, name string) ([]string, error) {
	query := `SELECT DISTINCT guardian_contact FROM cases
		WHERE status = 'Open' AND registration_complete AND ` + normalizedName + ` = $1
		ORDER BY guardian_contact`

	rows, err := r.pool.Query(ctx, query, facematch.NormalizeName(name))
	if err != nil {
		return nil, fmt.Errorf("query guardian contacts: %w", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan guardian contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guardian contacts: %w", classify(err))
	}
	return contacts, nil
}

// Count returns the number of complete cases per status.
func (r *CaseRepository) Count(ctx context.Context) (map[database.CaseStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM cases WHERE registration_complete GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count cases: %w", err)
	}
	defer rows.Close()

	counts := map[database.CaseStatus]int{
		database.StatusOpen:     0,
		database.StatusResolved: 0,
		database.StatusClosed:   0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan case count: %w", err)
		}
		counts[database.CaseStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case counts: %w", classify(err))
	}
	return counts, nil
}

// UpdateDetails applies a corrective edit to the set fields.
func (r *CaseRepository) UpdateDetails(ctx context.Context, embeddingID int64, details database.CaseDetails) error {
	if details.Empty() {
		return &database.ValidationError{Field: "details", Reason: "no fields to update"}
	}
	if err := details.Validate(); err != nil {
		return err
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if details.Name != nil {
		add("name", strings.TrimSpace(*details.Name))
	}
	if details.Age != nil {
		add("age", *details.Age)
	}
	if details.Gender != nil {
		g, _ := database.ParseGender(string(*details.Gender))
		add("gender", string(g))
	}
	if details.GuardianContact != nil {
		add("guardian_contact", strings.TrimSpace(*details.GuardianContact))
	}
	if details.DistinguishingFeatures != nil {
		add("distinguishing_features", nullString(*details.DistinguishingFeatures))
	}
	if details.LastKnownLocation != nil {
		add("last_known_location", nullString(*details.LastKnownLocation))
	}

	args = append(args, embeddingID)
	query := fmt.Sprintf(`UPDATE cases SET %s WHERE embedding_id = $%d AND registration_complete`,
		strings.Join(sets, ", "), len(args))

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update case %d: %w", embeddingID, err)
	}
	return expectRow(result, embeddingID)
}

// UpdateStatus moves a case from one of from to status in a single
// conditional UPDATE, so concurrent transitions cannot both succeed. Closing
// a case queues its index removal in the same transaction.
func (r *CaseRepository) UpdateStatus(ctx context.Context, embeddingID int64, from []database.CaseStatus, status database.CaseStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	result, err := tx.ExecContext(ctx, `
		UPDATE cases SET status = $1
		WHERE embedding_id = $2 AND registration_complete AND status = ANY($3)
	`, string(status), embeddingID, pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("update case %d status: %w", embeddingID, classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case %d status: %w", embeddingID, err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM cases WHERE embedding_id = $1 AND registration_complete", embeddingID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read case %d status: %w", embeddingID, classify(err))
		}
		return &database.StatusConflictError{EmbeddingID: embeddingID, Current: database.CaseStatus(current)}
	}

	if status == database.StatusClosed {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO index_removals (embedding_id) VALUES ($1)
			ON CONFLICT (embedding_id) DO NOTHING
		`, embeddingID)
		if err != nil {
			return fmt.Errorf("queue index removal %d: %w", embeddingID, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit case %d status: %w", embeddingID, classify(err))
	}
	return nil
}

// Delete removes a case row in any state.
func (r *CaseRepository) Delete(ctx context.Context, embeddingID int64) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM cases WHERE embedding_id = $1", embeddingID)
	if err != nil {
		return fmt.Errorf("delete case %d: %w", embeddingID, err)
	}
	return expectRow(result, embeddingID)
}

// DeleteClosedOlderThan deletes closed cases whose whole-day age at now exceeds days.
// A case last updated exactly days*24h ago is kept; one (days+1)*24h old is deleted.
func (r *CaseRepository) DeleteClosedOlderThan(ctx context.Context, days int, now time.Time) ([]database.SweepTarget, error) {
	if days < 0 {
		return nil, &database.ValidationError{Field: "days", Reason: "must not be negative"}
	}
	cutoff := RetentionCutoff(days, now)

	rows, err := r.pool.Query(ctx, `
		DELETE FROM cases
		WHERE status = 'Closed' AND registration_complete AND last_updated_at <= $1
		RETURNING embedding_id, image_reference
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete closed cases: %w", err)
	}
	defer rows.Close()

	var targets []database.SweepTarget
	for rows.Next() {
		var t database.SweepTarget
		if err := rows.Scan(&t.EmbeddingID, &t.ImageReference); err != nil {
			return nil, fmt.Errorf("scan deleted case: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted cases: %w", classify(err))
	}
	return targets, nil
}

// RetentionCutoff returns the latest last_updated_at that is old enough to delete:
// floor((now - t) / 24h) > days  <=>  t <= now - (days+1)*24h.
func RetentionCutoff(days int, now time.Time) time.Time {
	return now.Add(-time.Duration(days+1) * 24 * time.Hour)
}

// ListPendingOlderThan returns incomplete registrations started at or before cutoff.
func (r *CaseRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]database.CaseRecord, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE NOT registration_complete AND registered_at <= $1
		ORDER BY embedding_id`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending cases: %w", err)
	}
	defer rows.Close()

	return scanCases(rows)
}

// ListIndexable returns complete, non-closed cases with their embeddings.
func (r *CaseRepository) ListIndexable(ctx context.Context) ([]database.CaseRecord, error) {
	query := `SELECT ` + caseColumns + `, embedding FROM cases
		WHERE status <> 'Closed' AND registration_complete
		ORDER BY embedding_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list indexable cases: %w", err)
	}
	defer rows.Close()

	var cases []database.CaseRecord
	for rows.Next() {
		var c caseRow
		var vec pgvector.Vector
		if err := rows.Scan(append(c.dest(), &vec)...); err != nil {
			return nil, fmt.Errorf("scan indexable case: %w", err)
		}
		rec := c.record()
		rec.Embedding = vec.Slice()
		cases = append(cases, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexable cases: %w", classify(err))
	}
	return cases, nil
}

// StatusByEmbeddingID returns the status of every complete case.
func (r *CaseRepository) StatusByEmbeddingID(ctx context.Context) (map[int64]database.CaseStatus, error) {
	rows, err := r.pool.Query(ctx, `SELECT embedding_id, status FROM cases WHERE registration_complete`)
	if err != nil {
		return nil, fmt.Errorf("query case statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[int64]database.CaseStatus)
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan case status: %w", err)
		}
		statuses[id] = database.CaseStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case statuses: %w", classify(err))
	}
	return statuses, nil
}

// caseRow holds nullable columns during scanning.
type caseRow struct {
	rec      database.CaseRecord
	gender   string
	status   string
	features sql.NullString
	location sql.NullString
}

func (c *caseRow) dest() []any {
	return []any{
		&c.rec.ChildID, &c.rec.EmbeddingID, &c.rec.Name, &c.rec.Age, &c.gender,
		&c.rec.GuardianContact, &c.rec.ImageReference, &c.status,
		&c.features, &c.location, &c.rec.RegisteredAt, &c.rec.LastUpdatedAt,
		&c.rec.RegistrationComplete,
	}
}

func (c *caseRow) record() database.CaseRecord {
	rec := c.rec
	rec.Gender = database.Gender(c.gender)
	rec.Status = database.CaseStatus(c.status)
	rec.DistinguishingFeatures = c.features.String
	rec.LastKnownLocation = c.location.String
	return rec
}

func scanCases(rows *sql.Rows) ([]database.CaseRecord, error) {
	var cases []database.CaseRecord
	for rows.Next() {
		var c caseRow
		if err := rows.Scan(c.dest()...); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c.record())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", classify(err))
	}
	return cases, nil
}

func validateRecord(rec *database.CaseRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return &database.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := database.ValidateAge(rec.Age); err != nil {
		return err
	}
	if _, err := database.ParseGender(string(rec.Gender)); err != nil {
		return err
	}
	if strings.TrimSpace(rec.GuardianContact) == "" {
		return &database.ValidationError{Field: "guardian_contact", Reason: "must not be empty"}
	}
	if rec.ImageReference == "" {
		return &database.ValidationError{Field: "image_reference", Reason: "must not be empty"}
	}
	if len(rec.Embedding) == 0 {
		return &database.ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	return nil
}

func expectRow(result sql.Result, embeddingID int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("case %d: %w", embeddingID, database.ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
