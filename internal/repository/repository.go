package repository

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rosterd/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const studentColumns = `id, student_id, name, username, email, password_hash, age, courses, is_admin, created_at, updated_at`

func (s *Store) CreateStudent(ctx context.Context, student model.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, student.ID, student.StudentID, student.Name, student.Username, student.Email,
		student.PasswordHash, student.Age, student.Courses, student.IsAdmin,
		student.CreatedAt, student.UpdatedAt)
	return classify(err)
}

func (s *Store) GetByID(ctx context.Context, id string) (model.Student, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE id = $1
	`, id)
	return scanStudent(row)
}

func (s *Store) GetByStudentID(ctx context.Context, studentID string) (model.Student, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE student_id = $1
	`, studentID)
	return scanStudent(row)
}

// GetByIdentifier resolves a login identifier that may be either a username
// or an email address. Callers are expected to lower-case it first.
func (s *Store) GetByIdentifier(ctx context.Context, identifier string) (model.Student, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+studentColumns+`
		FROM students
		WHERE username = $1 OR email = $1
	`, identifier)
	return scanStudent(row)
}

func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+studentColumns+`
		FROM students
		ORDER BY student_id
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		student, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, classify(rows.Err())
}

// UsernameOrEmailTaken checks uniqueness of both login identifiers,
// optionally excluding one record (for updates against itself).
func (s *Store) UsernameOrEmailTaken(ctx context.Context, username, email, excludeID string) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM students
			WHERE (username = $1 OR email = $2) AND id <> $3
		)
	`, username, email, excludeID).Scan(&taken)
	return taken, classify(err)
}

// MaxStudentSeq returns the highest sequence already allocated for the given
// year, 0 when none exists. The next signup takes max+1.
func (s *Store) MaxStudentSeq(ctx context.Context, year int) (int, error) {
	prefix := model.StudentIDPrefix(year)
	var max int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX((split_part(student_id, '-', 3))::int), 0)
		FROM students
		WHERE student_id LIKE $1
	`, prefix+"%").Scan(&max)
	return max, classify(err)
}

func (s *Store) UpdateStudent(ctx context.Context, student model.Student) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE students
		SET name = $2, username = $3, email = $4, password_hash = $5,
		    age = $6, courses = $7, is_admin = $8, updated_at = $9
		WHERE id = $1
	`, student.ID, student.Name, student.Username, student.Email, student.PasswordHash,
		student.Age, student.Courses, student.IsAdmin, student.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteStudent(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertFromSync writes a record copied from the other store, matched by
// student_id. Timestamps are taken verbatim from the source record; the sync
// engine owns the decision of whether the copy should happen at all.
func (s *Store) UpsertFromSync(ctx context.Context, student model.Student) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (student_id) DO UPDATE
		SET name = EXCLUDED.name,
		    username = EXCLUDED.username,
		    email = EXCLUDED.email,
		    password_hash = EXCLUDED.password_hash,
		    age = EXCLUDED.age,
		    courses = EXCLUDED.courses,
		    is_admin = EXCLUDED.is_admin,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
	`, student.ID, student.StudentID, student.Name, student.Username, student.Email,
		student.PasswordHash, student.Age, student.Courses, student.IsAdmin,
		student.CreatedAt, student.UpdatedAt)
	return classify(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (model.Student, error) {
	var student model.Student
	err := row.Scan(
		&student.ID,
		&student.StudentID,
		&student.Name,
		&student.Username,
		&student.Email,
		&student.PasswordHash,
		&student.Age,
		&student.Courses,
		&student.IsAdmin,
		&student.CreatedAt,
		&student.UpdatedAt,
	)
	if err != nil {
		return model.Student{}, classify(err)
	}
	if student.Courses == nil {
		student.Courses = []string{}
	}
	return student, nil
}

// classify maps driver errors onto the model error taxonomy so both stores
// report failures identically at the HTTP boundary.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrDuplicate, pgErr.ConstraintName)
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return err
}
