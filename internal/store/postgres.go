package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrBoardLimit is returned when a board insert would exceed the owner's tier ceiling.
	ErrBoardLimit = errors.New("board limit reached")
	// ErrRequestLimit is returned when a request insert would exceed the board's tier ceiling.
	ErrRequestLimit = errors.New("request limit reached")
	ErrSlugTaken    = errors.New("slug already taken")
	ErrEmailTaken   = errors.New("email already registered")
	// ErrBoardMismatch is returned when a merge spans two boards.
	ErrBoardMismatch = errors.New("requests belong to different boards")
	// ErrVoteConflict is returned when a vote insert loses a race to an identical vote.
	ErrVoteConflict = errors.New("duplicate vote")
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

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.Name, user.PasswordHash)
	if isUniqueViolation(err, "users_email_key") {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- boards ---

// CreateBoard inserts a board after checking the owner's ceiling inside the
// same transaction. The owner row is locked first so two concurrent creations
// from the same owner serialize on the count. maxBoards < 0 means unbounded.
func (s *PostgresStore) CreateBoard(ctx context.Context, board Board, maxBoards int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create board: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, board.OwnerID).Scan(&ownerID); err != nil {
		return err
	}

	if maxBoards >= 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards WHERE user_id=$1`, board.OwnerID).Scan(&count); err != nil {
			return fmt.Errorf("count owner boards: %w", err)
		}
		if count >= maxBoards {
			return ErrBoardLimit
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO boards (id, slug, name, description, user_id)
		VALUES ($1, $2, $3, $4, $5)
	`, board.ID, board.Slug, board.Name, board.Description, board.OwnerID)
	if isUniqueViolation(err, "boards_slug_key") {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create board: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBoardsByOwner(ctx context.Context, ownerID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, COALESCE(description, ''), user_id, created_at
		FROM boards
		WHERE user_id=$1
		ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var item Board
		if err := rows.Scan(&item.ID, &item.Slug, &item.Name, &item.Description, &item.OwnerID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBoardByID(ctx context.Context, boardID string) (Board, error) {
	var item Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, COALESCE(description, ''), user_id, created_at
		FROM boards
		WHERE id=$1
	`, boardID).Scan(&item.ID, &item.Slug, &item.Name, &item.Description, &item.OwnerID, &item.CreatedAt)
	if err != nil {
		return Board{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetBoardBySlug(ctx context.Context, slug string) (Board, error) {
	var item Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, COALESCE(description, ''), user_id, created_at
		FROM boards
		WHERE slug=$1
	`, slug).Scan(&item.ID, &item.Slug, &item.Name, &item.Description, &item.OwnerID, &item.CreatedAt)
	if err != nil {
		return Board{}, err
	}
	return item, nil
}

// DeleteBoard removes the board; requests, votes, and comments cascade.
func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete board rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- requests ---

const requestColumns = `id, board_id, title, COALESCE(description, ''), category, status, votes_count, created_at, updated_at`

func scanRequest(row *sql.Row) (Request, error) {
	var item Request
	err := row.Scan(
		&item.ID,
		&item.BoardID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.Status,
		&item.VotesCount,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	return item, nil
}

// CreateRequest inserts a request after checking the board's ceiling inside
// the same transaction. The board row is locked so two concurrent creations
// on the same board serialize on the count. maxRequests < 0 means unbounded.
func (s *PostgresStore) CreateRequest(ctx context.Context, request Request, maxRequests int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boardID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, request.BoardID).Scan(&boardID); err != nil {
		return err
	}

	if maxRequests >= 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE board_id=$1`, request.BoardID).Scan(&count); err != nil {
			return fmt.Errorf("count board requests: %w", err)
		}
		if count >= maxRequests {
			return ErrRequestLimit
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO requests (id, board_id, title, description, category, status, votes_count)
		VALUES ($1, $2, $3, $4, $5, 'open', 0)
	`, request.ID, request.BoardID, request.Title, request.Description, request.Category); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE id=$1
	`, requestID))
}

func (s *PostgresStore) ListRequests(ctx context.Context, boardID string, filter RequestFilter) ([]Request, int, error) {
	orderBy := "votes_count DESC, created_at DESC"
	switch filter.Sort {
	case "recent":
		orderBy = "created_at DESC"
	case "oldest":
		orderBy = "created_at ASC"
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE board_id=$1
		  AND ($2='' OR status=$2)
		  AND ($3='' OR category=$3)
		ORDER BY `+orderBy+`
		LIMIT $4 OFFSET $5
	`, boardID, filter.Status, filter.Category, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0)
	for rows.Next() {
		var item Request
		if err := rows.Scan(
			&item.ID,
			&item.BoardID,
			&item.Title,
			&item.Description,
			&item.Category,
			&item.Status,
			&item.VotesCount,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate requests: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM requests
		WHERE board_id=$1
		  AND ($2='' OR status=$2)
		  AND ($3='' OR category=$3)
	`, boardID, filter.Status, filter.Category).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, requestID, status string) (Request, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `
		UPDATE requests
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+requestColumns+`
	`, requestID, status))
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, requestID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id=$1`, requestID)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete request rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- vote ledger ---

// ToggleVote flips the (request, identity) vote membership and keeps the
// denormalized votes_count in step, all in one transaction. The request row
// is locked first, which serializes concurrent toggles on the same request;
// the counter always moves together with the vote row it mirrors.
func (s *PostgresStore) ToggleVote(ctx context.Context, requestID, voteIdentity, ipAddress string) (ToggleVoteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ToggleVoteResult{}, fmt.Errorf("begin toggle vote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVotes int
	if err := tx.QueryRowContext(ctx, `
		SELECT votes_count FROM requests WHERE id=$1 FOR UPDATE
	`, requestID).Scan(&currentVotes); err != nil {
		return ToggleVoteResult{}, err
	}

	var voteID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM votes WHERE request_id=$1 AND identity=$2
	`, requestID, voteIdentity).Scan(&voteID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ToggleVoteResult{}, fmt.Errorf("lookup vote: %w", err)
	}

	result := ToggleVoteResult{}
	if err == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE id=$1`, voteID); err != nil {
			return ToggleVoteResult{}, fmt.Errorf("delete vote: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE requests SET votes_count=votes_count-1, updated_at=NOW()
			WHERE id=$1
			RETURNING votes_count
		`, requestID).Scan(&result.Votes); err != nil {
			return ToggleVoteResult{}, fmt.Errorf("decrement votes: %w", err)
		}
		result.Voted = false
	} else {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO votes (id, request_id, identity, ip_address)
			VALUES (gen_random_uuid()::text, $1, $2, $3)
		`, requestID, voteIdentity, ipAddress)
		if isUniqueViolation(err, "votes_request_id_identity_key") {
			return ToggleVoteResult{}, ErrVoteConflict
		}
		if err != nil {
			return ToggleVoteResult{}, fmt.Errorf("insert vote: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE requests SET votes_count=votes_count+1, updated_at=NOW()
			WHERE id=$1
			RETURNING votes_count
		`, requestID).Scan(&result.Votes); err != nil {
			return ToggleVoteResult{}, fmt.Errorf("increment votes: %w", err)
		}
		result.Voted = true
	}

	if err := tx.Commit(); err != nil {
		return ToggleVoteResult{}, fmt.Errorf("commit toggle vote: %w", err)
	}
	return result, nil
}

// LiveVoteCount returns the number of vote rows referencing the request.
func (s *PostgresStore) LiveVoteCount(ctx context.Context, requestID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE request_id=$1`, requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live votes: %w", err)
	}
	return count, nil
}

// --- request consolidation ---

// MergeRequests absorbs the source request into the target: votes and
// comments are reassigned, the target's counter is recomputed from the live
// vote rows, and the source is deleted, all in one transaction. Votes whose identity
// already voted on the target are dropped before reassignment so the
// uniqueness constraint cannot abort the merge. A concurrent merge that
// already consumed either request surfaces as sql.ErrNoRows.
func (s *PostgresStore) MergeRequests(ctx context.Context, sourceID, targetID string) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// lock in id order so two overlapping merges cannot deadlock
	first, second := sourceID, targetID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]Request, 2)
	for _, id := range []string{first, second} {
		var item Request
		err := tx.QueryRowContext(ctx, `
			SELECT `+requestColumns+`
			FROM requests
			WHERE id=$1
			FOR UPDATE
		`, id).Scan(
			&item.ID,
			&item.BoardID,
			&item.Title,
			&item.Description,
			&item.Category,
			&item.Status,
			&item.VotesCount,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return Request{}, err
		}
		locked[id] = item
	}

	source := locked[sourceID]
	target := locked[targetID]
	if source.BoardID != target.BoardID {
		return Request{}, ErrBoardMismatch
	}

	// identities that voted on both sides collapse to the target vote
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM votes v
		USING votes t
		WHERE v.request_id=$1 AND t.request_id=$2 AND t.identity=v.identity
	`, sourceID, targetID); err != nil {
		return Request{}, fmt.Errorf("drop duplicate votes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE votes SET request_id=$2 WHERE request_id=$1
	`, sourceID, targetID); err != nil {
		return Request{}, fmt.Errorf("reassign votes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments SET request_id=$2 WHERE request_id=$1
	`, sourceID, targetID); err != nil {
		return Request{}, fmt.Errorf("reassign comments: %w", err)
	}

	var liveVotes int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM votes WHERE request_id=$1
	`, targetID).Scan(&liveVotes); err != nil {
		return Request{}, fmt.Errorf("recount target votes: %w", err)
	}

	var merged Request
	if err := tx.QueryRowContext(ctx, `
		UPDATE requests SET votes_count=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+requestColumns+`
	`, targetID, liveVotes).Scan(
		&merged.ID,
		&merged.BoardID,
		&merged.Title,
		&merged.Description,
		&merged.Category,
		&merged.Status,
		&merged.VotesCount,
		&merged.CreatedAt,
		&merged.UpdatedAt,
	); err != nil {
		return Request{}, fmt.Errorf("update target counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id=$1`, sourceID); err != nil {
		return Request{}, fmt.Errorf("delete source request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit merge: %w", err)
	}
	return merged, nil
}

// --- comments ---

func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, request_id, author_name, author_email, content)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.RequestID, comment.AuthorName, comment.AuthorEmail, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, requestID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, author_name, author_email, content, created_at
		FROM comments
		WHERE request_id=$1
		ORDER BY created_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.RequestID, &item.AuthorName, &item.AuthorEmail, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// --- subscriptions ---

// UpsertSubscription keeps one subscription row per user, refreshed from
// billing-provider events.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, tier, status, billing_customer_id, billing_subscription_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE
		SET tier=EXCLUDED.tier, status=EXCLUDED.status, billing_customer_id=EXCLUDED.billing_customer_id,
		    billing_subscription_id=EXCLUDED.billing_subscription_id, current_period_end=EXCLUDED.current_period_end,
		    updated_at=NOW()
	`, sub.ID, sub.UserID, sub.Tier, sub.Status, sub.BillingCustomerID, sub.BillingSubscriptionID, nullTime(sub.CurrentPeriodEnd))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetActiveTier returns the tier of the user's active subscription;
// sql.ErrNoRows when the user has none.
func (s *PostgresStore) GetActiveTier(ctx context.Context, userID string) (string, error) {
	var tierName string
	err := s.db.QueryRowContext(ctx, `
		SELECT tier FROM subscriptions WHERE user_id=$1 AND status='active'
	`, userID).Scan(&tierName)
	if err != nil {
		return "", err
	}
	return tierName, nil
}
