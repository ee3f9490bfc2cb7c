package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"quorum/api/internal/motion"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc[T any](row rowScanner, version *int) (T, error) {
	var (
		item T
		raw  []byte
	)
	dest := []any{&raw}
	if version != nil {
		dest = append(dest, version)
	}
	if err := row.Scan(dest...); err != nil {
		return item, classify(err)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("decode document: %w", err)
	}
	return item, nil
}

func collect[T any](rows *sql.Rows, withVersion bool, setVersion func(*T, int)) ([]T, error) {
	defer rows.Close()
	items := make([]T, 0)
	for rows.Next() {
		var version int
		var ptr *int
		if withVersion {
			ptr = &version
		}
		item, err := scanDoc[T](rows, ptr)
		if err != nil {
			return nil, err
		}
		if setVersion != nil {
			setVersion(&item, version)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func setMotionVersion(m *motion.Motion, v int) { m.Version = v }

func setCommitteeVersion(c *Committee, v int) { c.Version = v }

func (s *PostgresStore) ListCommittees(ctx context.Context) ([]Committee, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc, version FROM committees ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list committees: %w", classify(err))
	}
	items, err := collect(rows, true, setCommitteeVersion)
	if err != nil {
		return nil, fmt.Errorf("list committees: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCommittee(ctx context.Context, id string) (Committee, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM committees WHERE id=$1`, id)
	var version int
	item, err := scanDoc[Committee](row, &version)
	if err != nil {
		return Committee{}, fmt.Errorf("get committee: %w", err)
	}
	item.Version = version
	return item, nil
}

func (s *PostgresStore) InsertCommittee(ctx context.Context, c Committee) (Committee, error) {
	c.Version = 1
	doc, err := json.Marshal(c)
	if err != nil {
		return Committee{}, fmt.Errorf("encode committee: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO committees (id, name, owner_id, doc, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Name, c.OwnerID, doc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Committee{}, fmt.Errorf("insert committee: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Committee{}, fmt.Errorf("insert committee %s: %w", c.ID, ErrAlreadyExists)
	}
	return c, nil
}

// UpdateCommittee writes c when the stored version still equals c.Version.
func (s *PostgresStore) UpdateCommittee(ctx context.Context, c Committee) (Committee, error) {
	expected := c.Version
	c.Version = expected + 1
	doc, err := json.Marshal(c)
	if err != nil {
		return Committee{}, fmt.Errorf("encode committee: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE committees
		SET name=$2, owner_id=$3, doc=$4, version=version+1, updated_at=$5
		WHERE id=$1 AND version=$6
	`, c.ID, c.Name, c.OwnerID, doc, c.UpdatedAt, expected)
	if err != nil {
		return Committee{}, fmt.Errorf("update committee: %w", classify(err))
	}
	if err := s.casResult(ctx, res, "committees", c.ID); err != nil {
		return Committee{}, fmt.Errorf("update committee %s: %w", c.ID, err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteCommittee(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM committees WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete committee: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete committee %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListMotions returns motions of one committee, or all motions when committeeID is empty.
func (s *PostgresStore) ListMotions(ctx context.Context, committeeID string) ([]motion.Motion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc, version FROM motions
		WHERE ($1 = '' OR committee_id = $1)
		ORDER BY created_at ASC, id ASC
	`, committeeID)
	if err != nil {
		return nil, fmt.Errorf("list motions: %w", classify(err))
	}
	items, err := collect(rows, true, setMotionVersion)
	if err != nil {
		return nil, fmt.Errorf("list motions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMotionsByStatus(ctx context.Context, statuses ...motion.Status) ([]motion.Motion, error) {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc, version FROM motions
		WHERE status = ANY(string_to_array($1, ','))
		ORDER BY created_at ASC, id ASC
	`, strings.Join(values, ","))
	if err != nil {
		return nil, fmt.Errorf("list motions by status: %w", classify(err))
	}
	items, err := collect(rows, true, setMotionVersion)
	if err != nil {
		return nil, fmt.Errorf("list motions by status: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMotion(ctx context.Context, id string) (motion.Motion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc, version FROM motions WHERE id=$1`, id)
	var version int
	item, err := scanDoc[motion.Motion](row, &version)
	if err != nil {
		return motion.Motion{}, fmt.Errorf("get motion: %w", err)
	}
	item.Version = version
	return item, nil
}

// InsertMotion stores m unless a motion with the same id exists, in which case it
// returns ErrAlreadyExists. Referral delivery relies on this for idempotency.
func (s *PostgresStore) InsertMotion(ctx context.Context, m motion.Motion) (motion.Motion, error) {
	m.Version = 1
	doc, err := json.Marshal(m)
	if err != nil {
		return motion.Motion{}, fmt.Errorf("encode motion: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO motions (id, committee_id, parent_motion_id, status, doc, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.CommitteeID, m.ParentMotionID, string(m.Status), doc, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return motion.Motion{}, fmt.Errorf("insert motion: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return motion.Motion{}, fmt.Errorf("insert motion %s: %w", m.ID, ErrAlreadyExists)
	}
	return m, nil
}

// UpdateMotion writes m when the stored version still equals m.Version.
func (s *PostgresStore) UpdateMotion(ctx context.Context, m motion.Motion) (motion.Motion, error) {
	expected := m.Version
	m.Version = expected + 1
	doc, err := json.Marshal(m)
	if err != nil {
		return motion.Motion{}, fmt.Errorf("encode motion: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE motions
		SET committee_id=$2, parent_motion_id=$3, status=$4, doc=$5, version=version+1, updated_at=$6
		WHERE id=$1 AND version=$7
	`, m.ID, m.CommitteeID, m.ParentMotionID, string(m.Status), doc, m.UpdatedAt, expected)
	if err != nil {
		return motion.Motion{}, fmt.Errorf("update motion: %w", classify(err))
	}
	if err := s.casResult(ctx, res, "motions", m.ID); err != nil {
		return motion.Motion{}, fmt.Errorf("update motion %s: %w", m.ID, err)
	}
	return m, nil
}

func (s *PostgresStore) casResult(ctx context.Context, res sql.Result, table, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id=$1)`, table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return classify(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// DeleteMotions removes the given motions and reports how many existed.
func (s *PostgresStore) DeleteMotions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM motions WHERE id = ANY(string_to_array($1, ','))`, strings.Join(ids, ","))
	if err != nil {
		return 0, fmt.Errorf("delete motions: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListDiscussions(ctx context.Context, motionID string) ([]Discussion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM discussions
		WHERE ($1 = '' OR motion_id = $1)
		ORDER BY created_at ASC, id ASC
	`, motionID)
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", classify(err))
	}
	items, err := collect[Discussion](rows, false, nil)
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDiscussion(ctx context.Context, id string) (Discussion, error) {
	item, err := scanDoc[Discussion](s.db.QueryRowContext(ctx, `SELECT doc FROM discussions WHERE id=$1`, id), nil)
	if err != nil {
		return Discussion{}, fmt.Errorf("get discussion: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDiscussion(ctx context.Context, d Discussion) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode discussion: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO discussions (id, motion_id, committee_id, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, d.ID, d.MotionID, d.CommitteeID, doc, d.CreatedAt); err != nil {
		return fmt.Errorf("insert discussion: %w", classify(err))
	}
	return nil
}

// DeleteDiscussions removes every discussion attached to the given motions.
func (s *PostgresStore) DeleteDiscussions(ctx context.Context, motionIDs []string) (int, error) {
	if len(motionIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM discussions WHERE motion_id = ANY(string_to_array($1, ','))`, strings.Join(motionIDs, ","))
	if err != nil {
		return 0, fmt.Errorf("delete discussions: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListMeetings returns the meetings of a committee ordered by sequence.
func (s *PostgresStore) ListMeetings(ctx context.Context, committeeID string) ([]Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM meetings WHERE committee_id=$1 ORDER BY seq ASC`, committeeID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", classify(err))
	}
	items, err := collect[Meeting](rows, false, nil)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	item, err := scanDoc[Meeting](s.db.QueryRowContext(ctx, `SELECT doc FROM meetings WHERE id=$1`, id), nil)
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	return item, nil
}

// InsertMeeting fails with ErrAlreadyExists when the committee already has a meeting
// with the same sequence number.
func (s *PostgresStore) InsertMeeting(ctx context.Context, m Meeting) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (id, committee_id, seq, active, doc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.CommitteeID, m.Seq, m.Active, doc, m.CreatedAt); err != nil {
		return fmt.Errorf("insert meeting: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) UpdateMeeting(ctx context.Context, m Meeting) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE meetings SET active=$2, doc=$3 WHERE id=$1`, m.ID, m.Active, doc)
	if err != nil {
		return fmt.Errorf("update meeting: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update meeting %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteMeetings(ctx context.Context, committeeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE committee_id=$1`, committeeID)
	if err != nil {
		return 0, fmt.Errorf("delete meetings: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	item, err := scanDoc[Profile](s.db.QueryRowContext(ctx, `SELECT doc FROM profiles WHERE id=$1`, id), nil)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindProfileByEmail(ctx context.Context, email string) (Profile, error) {
	item, err := scanDoc[Profile](s.db.QueryRowContext(ctx, `SELECT doc FROM profiles WHERE email <> '' AND LOWER(email)=LOWER($1)`, email), nil)
	if err != nil {
		return Profile{}, fmt.Errorf("find profile by email: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindProfileByUsername(ctx context.Context, username string) (Profile, error) {
	item, err := scanDoc[Profile](s.db.QueryRowContext(ctx, `SELECT doc FROM profiles WHERE username <> '' AND LOWER(username)=LOWER($1)`, username), nil)
	if err != nil {
		return Profile{}, fmt.Errorf("find profile by username: %w", err)
	}
	return item, nil
}

// InsertProfile fails with ErrAlreadyExists on a duplicate id, username or email.
func (s *PostgresStore) InsertProfile(ctx context.Context, p Profile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, email, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Username, p.Email, doc, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("insert profile: %w", classify(err))
	}
	return nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, p Profile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET username=$2, email=$3, doc=$4, updated_at=$5 WHERE id=$1
	`, p.ID, p.Username, p.Email, doc, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update profile: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update profile %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// ClaimProfile replaces the profile stored under placeholderID with p in one
// transaction, so p can take over the placeholder's username and email.
func (s *PostgresStore) ClaimProfile(ctx context.Context, placeholderID string, p Profile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("claim profile: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id=$1`, placeholderID)
	if err != nil {
		return fmt.Errorf("claim profile: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim profile %s: %w", placeholderID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, username, email, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Username, p.Email, doc, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("claim profile: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("claim profile: %w", classify(err))
	}
	return nil
}
