package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"feedbackhub/api/internal/auth"
	"feedbackhub/api/internal/authpw"
	"feedbackhub/api/internal/config"
	"feedbackhub/api/internal/export"
	"feedbackhub/api/internal/identity"
	"feedbackhub/api/internal/ratelimit"
	"feedbackhub/api/internal/session"
	"feedbackhub/api/internal/store"
	"feedbackhub/api/internal/tier"
	"feedbackhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type CreateBoardInput struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

type CreateRequestInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type CreateCommentInput struct {
	AuthorName  string `json:"authorName"`
	AuthorEmail string `json:"authorEmail"`
	Content     string `json:"content"`
}

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

	allowedCategories = map[string]struct{}{
		"feature":     {},
		"bug":         {},
		"improvement": {},
	}

	allowedStatuses = map[string]struct{}{
		"open":        {},
		"planned":     {},
		"in_progress": {},
		"completed":   {},
		"rejected":    {},
	}

	allowedSorts = map[string]struct{}{
		"votes":  {},
		"recent": {},
		"oldest": {},
	}
)

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateBoard(context.Context, store.Board, int) error
	ListBoardsByOwner(context.Context, string) ([]store.Board, error)
	GetBoardByID(context.Context, string) (store.Board, error)
	GetBoardBySlug(context.Context, string) (store.Board, error)
	DeleteBoard(context.Context, string) error
	CreateRequest(context.Context, store.Request, int) error
	GetRequest(context.Context, string) (store.Request, error)
	ListRequests(context.Context, string, store.RequestFilter) ([]store.Request, int, error)
	UpdateRequestStatus(context.Context, string, string) (store.Request, error)
	DeleteRequest(context.Context, string) error
	ToggleVote(context.Context, string, string, string) (store.ToggleVoteResult, error)
	MergeRequests(context.Context, string, string) (store.Request, error)
	CreateComment(context.Context, store.Comment) error
	ListComments(context.Context, string) ([]store.Comment, error)
	UpsertSubscription(context.Context, store.Subscription) error
	GetActiveTier(context.Context, string) (string, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.TokenData, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (session.TokenData, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// Notifier delivers best-effort board-owner notifications. A failed
// delivery is logged, never surfaced to the submitter.
type Notifier interface {
	IsConfigured() bool
	NotifyNewRequest(ownerEmail, ownerName, boardName, requestTitle string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	limiter   ratelimit.CounterStore
	passwords *authpw.Service
	mail      Notifier
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, limiter ratelimit.CounterStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		limiter:   limiter,
		passwords: authpw.New(dataStore),
	}
}

func (s *Service) UseNotifier(mail Notifier) {
	s.mail = mail
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// --- auth ---

func (s *Service) SignUp(ctx context.Context, name, email, password string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, name, email, password)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEmailTaken):
			return Session{}, errConflict("EMAIL_EXISTS", "Email already registered")
		case errors.Is(err, authpw.ErrInvalidName):
			return Session{}, errValidation("name must be between 2 and 100 characters")
		case errors.Is(err, authpw.ErrInvalidEmail):
			return Session{}, errValidation("a valid email is required")
		case errors.Is(err, authpw.ErrWeakPassword):
			return Session{}, errValidation("password must be 8-100 characters with upper, lower and digit")
		}
		return Session{}, fmt.Errorf("sign up: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	data, err := s.sessions.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, domainError(401, "UNAUTHORIZED", "Refresh token invalid", nil)
		}
		return Session{}, fmt.Errorf("refresh session: %w", err)
	}
	// Rotate: the presented token is spent either way.
	if err := s.sessions.Revoke(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("rotate session: %w", err)
	}
	return s.issueSession(ctx, store.User{ID: data.UserID, Email: data.Email, Name: data.Name})
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	claims := auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.Name,
		JTI:   util.NewID(),
		Exp:   expiresAt.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID() + util.NewID()
	data := session.TokenData{UserID: user.ID, Email: user.Email, Name: user.Name}
	if err := s.sessions.Save(ctx, auth.HashToken(refreshToken), data, s.cfg.RefreshTTL); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		JTI:          claims.JTI,
		ExpiresAt:    expiresAt,
	}, nil
}

// --- boards ---

func (s *Service) CreateBoard(ctx context.Context, sess Session, input CreateBoardInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	slug := strings.TrimSpace(input.Slug)
	description := strings.TrimSpace(input.Description)

	if len(name) < 2 || len(name) > 100 {
		return nil, errValidation("name must be between 2 and 100 characters")
	}
	if len(slug) < 2 || len(slug) > 50 || !slugPattern.MatchString(slug) {
		return nil, errValidation("slug must be 2-50 characters of lowercase letters, digits and hyphens")
	}
	if len(description) > 500 {
		return nil, errValidation("description must be at most 500 characters")
	}

	limits := s.limitsFor(ctx, sess.UserID)
	board := store.Board{
		ID:          util.NewID(),
		Slug:        slug,
		Name:        name,
		Description: description,
		OwnerID:     sess.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateBoard(ctx, board, limits.MaxBoards); err != nil {
		switch {
		case errors.Is(err, store.ErrBoardLimit):
			return nil, errForbidden("Board limit reached for the current plan, upgrade to create more boards")
		case errors.Is(err, store.ErrSlugTaken):
			return nil, errConflict("SLUG_EXISTS", "A board with this slug already exists")
		}
		return nil, fmt.Errorf("create board: %w", err)
	}
	return boardPayload(board), nil
}

func (s *Service) ListBoards(ctx context.Context, sess Session) ([]map[string]any, error) {
	boards, err := s.store.ListBoardsByOwner(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	payload := make([]map[string]any, 0, len(boards))
	for _, board := range boards {
		payload = append(payload, boardPayload(board))
	}
	return payload, nil
}

func (s *Service) GetBoard(ctx context.Context, slug string) (map[string]any, error) {
	board, err := s.store.GetBoardBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Board not found")
		}
		return nil, fmt.Errorf("get board: %w", err)
	}
	return boardPayload(board), nil
}

func (s *Service) DeleteBoard(ctx context.Context, sess Session, boardID string) error {
	board, err := s.store.GetBoardByID(ctx, boardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Board not found")
		}
		return fmt.Errorf("get board: %w", err)
	}
	if board.OwnerID != sess.UserID {
		return errForbidden("Only the board owner can delete it")
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Board not found")
		}
		return fmt.Errorf("delete board: %w", err)
	}
	return nil
}

// --- requests ---

func (s *Service) ListRequests(ctx context.Context, slug string, filter store.RequestFilter) (map[string]any, error) {
	board, err := s.store.GetBoardBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Board not found")
		}
		return nil, fmt.Errorf("get board: %w", err)
	}
	if filter.Status != "" {
		if _, ok := allowedStatuses[filter.Status]; !ok {
			return nil, errValidation("unknown status filter")
		}
	}
	if filter.Category != "" {
		if _, ok := allowedCategories[filter.Category]; !ok {
			return nil, errValidation("unknown category filter")
		}
	}
	if filter.Sort == "" {
		filter.Sort = "votes"
	}
	if _, ok := allowedSorts[filter.Sort]; !ok {
		return nil, errValidation("sort must be one of votes, recent, oldest")
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	requests, total, err := s.store.ListRequests(ctx, board.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	items := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		items = append(items, requestPayload(request))
	}
	return map[string]any{"requests": items, "total": total}, nil
}

// CreateRequest accepts submissions from anyone, signed in or not. The
// per-board ceiling comes from the board owner's plan.
func (s *Service) CreateRequest(ctx context.Context, slug string, input CreateRequestInput) (map[string]any, error) {
	board, err := s.store.GetBoardBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Board not found")
		}
		return nil, fmt.Errorf("get board: %w", err)
	}

	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)
	category := strings.TrimSpace(input.Category)
	if len(title) < 5 || len(title) > 200 {
		return nil, errValidation("title must be between 5 and 200 characters")
	}
	if len(description) > 5000 {
		return nil, errValidation("description must be at most 5000 characters")
	}
	if category == "" {
		category = "feature"
	}
	if _, ok := allowedCategories[category]; !ok {
		return nil, errValidation("category must be one of feature, bug, improvement")
	}

	limits := s.limitsFor(ctx, board.OwnerID)
	request := store.Request{
		ID:          util.NewID(),
		BoardID:     board.ID,
		Title:       title,
		Description: description,
		Category:    category,
		Status:      "open",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, request, limits.MaxRequestsPerBoard); err != nil {
		if errors.Is(err, store.ErrRequestLimit) {
			return nil, errForbidden("This board reached its request limit, the owner must upgrade the plan")
		}
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.notifyOwner(ctx, board, request.Title)
	return requestPayload(request), nil
}

func (s *Service) notifyOwner(ctx context.Context, board store.Board, requestTitle string) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	owner, err := s.store.GetUserByID(ctx, board.OwnerID)
	if err != nil {
		log.Printf(`{"msg":"owner lookup for notification failed","board":%q,"error":%q}`, board.ID, err.Error())
		return
	}
	go func() {
		if err := s.mail.NotifyNewRequest(owner.Email, owner.Name, board.Name, requestTitle); err != nil {
			log.Printf(`{"msg":"owner notification failed","board":%q,"error":%q}`, board.ID, err.Error())
		}
	}()
}

// ExportBoard renders all of a board's requests for download. Owner only.
func (s *Service) ExportBoard(ctx context.Context, sess Session, slug string, format export.Format) (export.Result, error) {
	board, err := s.store.GetBoardBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return export.Result{}, errNotFound("Board not found")
		}
		return export.Result{}, fmt.Errorf("get board: %w", err)
	}
	if board.OwnerID != sess.UserID {
		return export.Result{}, errForbidden("Only the board owner can export it")
	}

	const pageSize = 100
	var requests []store.Request
	for offset := 0; ; offset += pageSize {
		page, _, err := s.store.ListRequests(ctx, board.ID, store.RequestFilter{Sort: "votes", Limit: pageSize, Offset: offset})
		if err != nil {
			return export.Result{}, fmt.Errorf("list requests: %w", err)
		}
		requests = append(requests, page...)
		if len(page) < pageSize {
			break
		}
	}

	result, err := export.Render(board, requests, format)
	if err != nil {
		return export.Result{}, errValidation("format must be 'csv' or 'json'")
	}
	return result, nil
}

func (s *Service) UpdateRequestStatus(ctx context.Context, sess Session, requestID, status string) (map[string]any, error) {
	if _, ok := allowedStatuses[status]; !ok {
		return nil, errValidation("status must be one of open, planned, in_progress, completed, rejected")
	}
	if _, err := s.requireRequestOwnership(ctx, sess, requestID); err != nil {
		return nil, err
	}
	request, err := s.store.UpdateRequestStatus(ctx, requestID, status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Request not found")
		}
		return nil, fmt.Errorf("update request status: %w", err)
	}
	return requestPayload(request), nil
}

func (s *Service) DeleteRequest(ctx context.Context, sess Session, requestID string) error {
	if _, err := s.requireRequestOwnership(ctx, sess, requestID); err != nil {
		return err
	}
	if err := s.store.DeleteRequest(ctx, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Request not found")
		}
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// --- votes ---

func (s *Service) ToggleVote(ctx context.Context, requestID, email, remoteAddr string) (map[string]any, error) {
	voteIdentity := identity.Resolve(email, remoteAddr)
	if err := s.consume(ctx, "vote:"+voteIdentity, s.cfg.VoteLimitPerHour); err != nil {
		return nil, err
	}
	result, err := s.store.ToggleVote(ctx, requestID, voteIdentity, identity.HostOnly(remoteAddr))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, errNotFound("Request not found")
		case errors.Is(err, store.ErrVoteConflict):
			return nil, errConflict("VOTE_CONFLICT", "Vote changed concurrently, retry")
		}
		return nil, fmt.Errorf("toggle vote: %w", err)
	}
	return map[string]any{"voted": result.Voted, "votes": result.Votes}, nil
}

// --- comments ---

func (s *Service) CreateComment(ctx context.Context, requestID string, input CreateCommentInput) (map[string]any, error) {
	authorName := strings.TrimSpace(input.AuthorName)
	authorEmail := authpw.NormalizeEmail(input.AuthorEmail)
	content := strings.TrimSpace(input.Content)
	if authorName == "" || len(authorName) > 100 {
		return nil, errValidation("authorName must be between 1 and 100 characters")
	}
	if !authpw.ValidEmail(authorEmail) {
		return nil, errValidation("a valid authorEmail is required")
	}
	if content == "" || len(content) > 1000 {
		return nil, errValidation("content must be between 1 and 1000 characters")
	}

	// The comment window keys on the claimed email, not the caller's address.
	if err := s.consume(ctx, "comment:"+authorEmail, s.cfg.CommentLimitPerHour); err != nil {
		return nil, err
	}

	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Request not found")
		}
		return nil, fmt.Errorf("get request: %w", err)
	}

	comment := store.Comment{
		ID:          util.NewID(),
		RequestID:   requestID,
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	return commentPayload(comment), nil
}

func (s *Service) ListComments(ctx context.Context, requestID string) (map[string]any, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Request not found")
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	comments, err := s.store.ListComments(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return map[string]any{"comments": items}, nil
}

// --- merge ---

// MergeRequests folds the source request into the target. Preconditions
// are checked here in a fixed order so the client always sees the most
// specific failure; the store redoes the board check under row locks.
func (s *Service) MergeRequests(ctx context.Context, sess Session, sourceID, targetID string) (map[string]any, error) {
	if sourceID == targetID {
		return nil, errInvalidMerge("A request cannot be merged into itself")
	}

	source, err := s.store.GetRequest(ctx, sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Source request not found")
		}
		return nil, fmt.Errorf("get source request: %w", err)
	}
	target, err := s.store.GetRequest(ctx, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Target request not found")
		}
		return nil, fmt.Errorf("get target request: %w", err)
	}
	if source.BoardID != target.BoardID {
		return nil, errInvalidMerge("Requests must belong to the same board")
	}

	board, err := s.store.GetBoardByID(ctx, source.BoardID)
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	if board.OwnerID != sess.UserID {
		return nil, errForbidden("Only the board owner can merge requests")
	}

	merged, err := s.store.MergeRequests(ctx, sourceID, targetID)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, errNotFound("Source request not found")
		case errors.Is(err, store.ErrBoardMismatch):
			return nil, errInvalidMerge("Requests must belong to the same board")
		}
		return nil, fmt.Errorf("merge requests: %w", err)
	}
	return requestPayload(merged), nil
}

// --- helpers ---

func (s *Service) requireRequestOwnership(ctx context.Context, sess Session, requestID string) (store.Request, error) {
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Request{}, errNotFound("Request not found")
		}
		return store.Request{}, fmt.Errorf("get request: %w", err)
	}
	board, err := s.store.GetBoardByID(ctx, request.BoardID)
	if err != nil {
		return store.Request{}, fmt.Errorf("get board: %w", err)
	}
	if board.OwnerID != sess.UserID {
		return store.Request{}, errForbidden("Only the board owner can manage requests")
	}
	return request, nil
}

func (s *Service) limitsFor(ctx context.Context, userID string) tier.Limits {
	tierName, err := s.store.GetActiveTier(ctx, userID)
	if err != nil {
		// No active subscription reads as the free plan.
		tierName = string(tier.Free)
	}
	return tier.LimitsFor(tier.Normalize(tierName))
}

func (s *Service) consume(ctx context.Context, key string, limit int) error {
	err := s.limiter.TryConsume(ctx, key, limit, time.Hour)
	if err == nil {
		return nil
	}
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		seconds := int(limitErr.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return errRateLimited(seconds)
	}
	return fmt.Errorf("rate limit: %w", err)
}

func boardPayload(board store.Board) map[string]any {
	return map[string]any{
		"id":          board.ID,
		"slug":        board.Slug,
		"name":        board.Name,
		"description": board.Description,
		"ownerId":     board.OwnerID,
		"createdAt":   board.CreatedAt,
	}
}

func requestPayload(request store.Request) map[string]any {
	return map[string]any{
		"id":          request.ID,
		"boardId":     request.BoardID,
		"title":       request.Title,
		"description": request.Description,
		"category":    request.Category,
		"status":      request.Status,
		"votes":       request.VotesCount,
		"createdAt":   request.CreatedAt,
		"updatedAt":   request.UpdatedAt,
	}
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"requestId":  comment.RequestID,
		"authorName": comment.AuthorName,
		"content":    comment.Content,
		"createdAt":  comment.CreatedAt,
	}
}
