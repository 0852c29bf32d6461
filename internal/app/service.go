package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tasktrack/api/internal/auth"
	"tasktrack/api/internal/authpw"
	"tasktrack/api/internal/config"
	"tasktrack/api/internal/realtime"
	"tasktrack/api/internal/search"
	"tasktrack/api/internal/store"
	"tasktrack/api/internal/util"
)

const (
	defaultPageLimit = 10
	defaultCategory  = "personal"
)

var allowedStatuses = map[string]bool{
	"pending":     true,
	"in-progress": true,
	"completed":   true,
}

var allowedPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

var allowedPermissions = map[string]bool{
	"view": true,
	"edit": true,
}

// dataStore is the slice of the persistence layer the service needs.
// *store.PostgresStore satisfies it; tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUsersByIDs(ctx context.Context, userIDs []string) ([]store.User, error)

	InsertTask(ctx context.Context, task store.Task) (store.Task, error)
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	GetTasksByIDs(ctx context.Context, taskIDs []string) ([]store.Task, error)
	CountTasks(ctx context.Context, q store.TaskQuery) (int, error)
	ListTasks(ctx context.Context, q store.TaskQuery, sort store.TaskSort, offset, limit int) ([]store.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	FilterTaskIDsByScope(ctx context.Context, taskIDs []string, scope store.TaskScope) ([]string, error)
	TaskStats(ctx context.Context, scope store.TaskScope) (store.TaskStats, error)

	ListSharedTaskIDs(ctx context.Context, userID string) ([]string, error)
	ListSharesByTaskIDs(ctx context.Context, taskIDs []string) ([]store.TaskShare, error)
	GetShare(ctx context.Context, taskID, userID string) (store.TaskShare, error)
	InsertShare(ctx context.Context, share store.TaskShare) (store.TaskShare, error)
	DeleteShare(ctx context.Context, taskID, userID string) (bool, error)
}

// sessionStore holds refresh sessions. Redis when configured, Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// taskSearcher is the search facade surface the engine consumes.
type taskSearcher interface {
	Search(q search.Query) ([]search.Result, int, error)
	IndexTask(record search.TaskRecord)
	DeleteTask(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	hub      *realtime.Hub
	search   taskSearcher
}

// NewService wires the task engine. sessions may be the data store itself
// (Postgres fallback) or a dedicated Redis store. searchSvc may be nil when
// no search backend is configured.
func NewService(cfg config.Config, data dataStore, sessions sessionStore, hub *realtime.Hub, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		accounts: authpw.NewService(data),
		hub:      hub,
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

// --- views ---

type UserView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func userView(u store.User) UserView {
	return UserView{ID: u.ID, Name: u.Name, Email: u.Email, AvatarURL: u.AvatarURL}
}

// Collaborator is a share row joined with the shared-with user.
type Collaborator struct {
	store.TaskShare
	User UserView `json:"user"`
}

// TaskWithDetails is a task joined with its creator and collaborators.
// IsShared and CollaboratorCount reflect the raw share rows, including
// shares whose user could not be resolved.
type TaskWithDetails struct {
	store.Task
	Creator           UserView       `json:"creator"`
	Collaborators     []Collaborator `json:"collaborators"`
	IsShared          bool           `json:"isShared"`
	CollaboratorCount int            `json:"collaboratorCount"`
}

type TaskPage struct {
	Tasks []TaskWithDetails `json:"tasks"`
	Total int               `json:"total"`
}

// TaskFilters select and order the caller's visible tasks. Zero values and
// the literal "all" both mean "no constraint" for the enum filters.
type TaskFilters struct {
	Status    string
	Priority  string
	Category  string
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
	MineOnly  bool
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- access scope ---

func (s *Service) accessScope(ctx context.Context, userID string, ownerOnly bool) (store.TaskScope, error) {
	scope := store.TaskScope{OwnerID: userID, OwnerOnly: ownerOnly}
	if ownerOnly {
		return scope, nil
	}
	shared, err := s.store.ListSharedTaskIDs(ctx, userID)
	if err != nil {
		return store.TaskScope{}, fmt.Errorf("resolve shared tasks: %w", err)
	}
	scope.SharedTaskIDs = shared
	return scope, nil
}

// canRead reports whether userID may see the task: the owner always can,
// anyone else needs a share row of either permission.
func (s *Service) canRead(ctx context.Context, task store.Task, userID string) (bool, error) {
	if task.CreatedBy == userID {
		return true, nil
	}
	_, err := s.store.GetShare(ctx, task.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check share: %w", err)
	}
	return true, nil
}

// --- tasks ---

func (s *Service) GetTasks(ctx context.Context, userID string, filters TaskFilters) (TaskPage, error) {
	scope, err := s.accessScope(ctx, userID, filters.MineOnly)
	if err != nil {
		return TaskPage{}, err
	}

	q := store.TaskQuery{
		Scope:    scope,
		Status:   filters.Status,
		Priority: filters.Priority,
		Category: filters.Category,
		Search:   strings.TrimSpace(filters.Search),
	}
	sort := store.TaskSort{Key: filters.SortBy, Desc: filters.SortOrder != "asc"}

	page := filters.Page
	if page < 1 {
		page = 1
	}
	limit := filters.Limit
	if limit < 1 {
		limit = defaultPageLimit
	}

	total, err := s.store.CountTasks(ctx, q)
	if err != nil {
		return TaskPage{}, err
	}
	tasks, err := s.store.ListTasks(ctx, q, sort, (page-1)*limit, limit)
	if err != nil {
		return TaskPage{}, err
	}
	// A stale page number past the end lands on the first page instead of
	// an empty result.
	if len(tasks) == 0 && total > 0 && page > 1 {
		tasks, err = s.store.ListTasks(ctx, q, sort, 0, limit)
		if err != nil {
			return TaskPage{}, err
		}
	}

	enriched, err := s.enrichTasks(ctx, tasks)
	if err != nil {
		return TaskPage{}, err
	}
	return TaskPage{Tasks: enriched, Total: total}, nil
}

// enrichTasks joins tasks with their creators and collaborators in three
// batched lookups. A missing creator yields a placeholder; a share whose
// user is gone is dropped from Collaborators but still counts toward
// IsShared and CollaboratorCount.
func (s *Service) enrichTasks(ctx context.Context, tasks []store.Task) ([]TaskWithDetails, error) {
	enriched := make([]TaskWithDetails, 0, len(tasks))
	if len(tasks) == 0 {
		return enriched, nil
	}

	taskIDs := make([]string, 0, len(tasks))
	creatorSet := make(map[string]bool, len(tasks))
	creatorIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
		if !creatorSet[t.CreatedBy] {
			creatorSet[t.CreatedBy] = true
			creatorIDs = append(creatorIDs, t.CreatedBy)
		}
	}

	creators, err := s.store.GetUsersByIDs(ctx, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("load creators: %w", err)
	}
	creatorByID := make(map[string]store.User, len(creators))
	for _, u := range creators {
		creatorByID[u.ID] = u
	}

	shares, err := s.store.ListSharesByTaskIDs(ctx, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("load shares: %w", err)
	}
	sharesByTask := make(map[string][]store.TaskShare, len(tasks))
	collabSet := make(map[string]bool)
	collabIDs := make([]string, 0, len(shares))
	for _, sh := range shares {
		sharesByTask[sh.TaskID] = append(sharesByTask[sh.TaskID], sh)
		if !collabSet[sh.UserID] {
			collabSet[sh.UserID] = true
			collabIDs = append(collabIDs, sh.UserID)
		}
	}

	collabByID := make(map[string]store.User, len(collabIDs))
	if len(collabIDs) > 0 {
		users, err := s.store.GetUsersByIDs(ctx, collabIDs)
		if err != nil {
			return nil, fmt.Errorf("load collaborators: %w", err)
		}
		for _, u := range users {
			collabByID[u.ID] = u
		}
	}

	for _, t := range tasks {
		creator := UserView{ID: t.CreatedBy, Name: "Unknown"}
		if u, ok := creatorByID[t.CreatedBy]; ok {
			creator = userView(u)
		}

		taskShares := sharesByTask[t.ID]
		collaborators := make([]Collaborator, 0, len(taskShares))
		for _, sh := range taskShares {
			u, ok := collabByID[sh.UserID]
			if !ok {
				continue
			}
			collaborators = append(collaborators, Collaborator{TaskShare: sh, User: userView(u)})
		}

		enriched = append(enriched, TaskWithDetails{
			Task:              t,
			Creator:           creator,
			Collaborators:     collaborators,
			IsShared:          len(taskShares) > 0,
			CollaboratorCount: len(taskShares),
		})
	}
	return enriched, nil
}

func (s *Service) GetTask(ctx context.Context, taskID, userID string) (TaskWithDetails, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskWithDetails{}, errTaskNotFound()
	}
	if err != nil {
		return TaskWithDetails{}, err
	}
	ok, err := s.canRead(ctx, task, userID)
	if err != nil {
		return TaskWithDetails{}, err
	}
	if !ok {
		return TaskWithDetails{}, errTaskNotFound()
	}
	enriched, err := s.enrichTasks(ctx, []store.Task{task})
	if err != nil {
		return TaskWithDetails{}, err
	}
	return enriched[0], nil
}

// GetSharedTasks lists tasks shared with userID by someone else, newest first.
func (s *Service) GetSharedTasks(ctx context.Context, userID string) ([]TaskWithDetails, error) {
	ids, err := s.store.ListSharedTaskIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.GetTasksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return s.enrichTasks(ctx, tasks)
}

type CreateTaskInput struct {
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	Category    string
}

// CreateTask records a task owned by userID. The owner is always the
// authenticated caller, never a value from the request body.
func (s *Service) CreateTask(ctx context.Context, userID string, input CreateTaskInput) (store.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Task{}, validationError("title is required")
	}
	status := input.Status
	if status == "" {
		status = "pending"
	}
	if !allowedStatuses[status] {
		return store.Task{}, validationError("status must be pending, in-progress or completed")
	}
	priority := input.Priority
	if priority == "" {
		priority = "medium"
	}
	if !allowedPriorities[priority] {
		return store.Task{}, validationError("priority must be low, medium or high")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = defaultCategory
	}

	task, err := s.store.InsertTask(ctx, store.Task{
		ID:          util.NewID("tsk"),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      status,
		Priority:    priority,
		DueDate:     input.DueDate,
		Category:    category,
		CreatedBy:   userID,
	})
	if err != nil {
		return store.Task{}, err
	}

	s.hub.Broadcast(realtime.Event{
		Type: realtime.EventTaskCreated,
		Data: realtime.Payload{Task: &task, UserID: userID},
	})
	s.indexTask(task)
	return task, nil
}

type UpdateTaskInput struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	DueDate     *time.Time
	Category    *string
}

// UpdateTask applies a partial update. The owner and holders of an edit
// share may update; everyone else gets the same not-found as a missing task.
func (s *Service) UpdateTask(ctx context.Context, taskID, userID string, input UpdateTaskInput) (store.Task, error) {
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return store.Task{}, validationError("title cannot be empty")
	}
	if input.Status != nil && !allowedStatuses[*input.Status] {
		return store.Task{}, validationError("status must be pending, in-progress or completed")
	}
	if input.Priority != nil && !allowedPriorities[*input.Priority] {
		return store.Task{}, validationError("priority must be low, medium or high")
	}

	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, errTaskNotFound()
	}
	if err != nil {
		return store.Task{}, err
	}
	ok, err := s.canEdit(ctx, task, userID)
	if err != nil {
		return store.Task{}, err
	}
	if !ok {
		return store.Task{}, errTaskNotFound()
	}

	updated, err := s.store.UpdateTask(ctx, taskID, store.TaskPatch{
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		DueDate:     input.DueDate,
		Category:    input.Category,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, errTaskNotFound()
	}
	if err != nil {
		return store.Task{}, err
	}

	s.hub.Broadcast(realtime.Event{
		Type: realtime.EventTaskUpdated,
		Data: realtime.Payload{Task: &updated, UserID: userID},
	})
	s.indexTask(updated)
	return updated, nil
}

func (s *Service) canEdit(ctx context.Context, task store.Task, userID string) (bool, error) {
	if task.CreatedBy == userID {
		return true, nil
	}
	share, err := s.store.GetShare(ctx, task.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check share: %w", err)
	}
	return share.Permission == "edit", nil
}

// DeleteTask removes a task and its share rows. Only the owner may delete;
// an edit share is not enough.
func (s *Service) DeleteTask(ctx context.Context, taskID, userID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return errTaskNotFound()
	}
	if err != nil {
		return err
	}
	if task.CreatedBy != userID {
		return errTaskNotFound()
	}

	removed, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !removed {
		return errTaskNotFound()
	}

	s.hub.Broadcast(realtime.Event{
		Type: realtime.EventTaskDeleted,
		Data: realtime.Payload{TaskID: taskID, UserID: userID},
	})
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

// --- sharing ---

// ShareTask grants targetUserID access to the task. Only the owner may
// share; a duplicate grant is a conflict.
func (s *Service) ShareTask(ctx context.Context, taskID, actorID, targetUserID, permission string) (store.TaskShare, error) {
	if strings.TrimSpace(targetUserID) == "" {
		return store.TaskShare{}, validationError("userId is required")
	}
	if permission == "" {
		permission = "view"
	}
	if !allowedPermissions[permission] {
		return store.TaskShare{}, validationError("permission must be view or edit")
	}

	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TaskShare{}, errTaskNotFound()
	}
	if err != nil {
		return store.TaskShare{}, err
	}
	if task.CreatedBy != actorID {
		return store.TaskShare{}, errTaskNotFound()
	}

	share, err := s.store.InsertShare(ctx, store.TaskShare{
		ID:         util.NewID("shr"),
		TaskID:     taskID,
		UserID:     targetUserID,
		Permission: permission,
	})
	if errors.Is(err, store.ErrDuplicateShare) {
		return store.TaskShare{}, domainError(http.StatusConflict, "SHARE_EXISTS", "Task already shared with this user")
	}
	if err != nil {
		return store.TaskShare{}, err
	}
	return share, nil
}

// UnshareTask revokes targetUserID's access. The owner may revoke anyone;
// a collaborator may revoke only themselves. It reports whether a share
// row was actually removed.
func (s *Service) UnshareTask(ctx context.Context, taskID, actorID, targetUserID string) (bool, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errTaskNotFound()
	}
	if err != nil {
		return false, err
	}
	if task.CreatedBy != actorID && actorID != targetUserID {
		return false, errTaskNotFound()
	}

	removed, err := s.store.DeleteShare(ctx, taskID, targetUserID)
	if err != nil {
		return false, err
	}
	if removed {
		s.hub.Broadcast(realtime.Event{
			Type: realtime.EventTaskUnshared,
			Data: realtime.Payload{TaskID: taskID, UserID: targetUserID, UnsharedBy: actorID},
		})
	}
	return removed, nil
}

// --- stats and search ---

func (s *Service) Stats(ctx context.Context, userID string) (store.TaskStats, error) {
	scope, err := s.accessScope(ctx, userID, false)
	if err != nil {
		return store.TaskStats{}, err
	}
	return s.store.TaskStats(ctx, scope)
}

// SearchTasks runs a full-text query and narrows the hits to the caller's
// visible tasks before returning them.
func (s *Service) SearchTasks(ctx context.Context, userID, text string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	resp := search.Response{Results: []search.Result{}, Query: text}
	if s.search == nil || text == "" {
		return resp, nil
	}

	results, _, err := s.search.Search(search.Query{Text: text, Limit: limit})
	if err != nil {
		return resp, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return resp, nil
	}

	scope, err := s.accessScope(ctx, userID, false)
	if err != nil {
		return resp, err
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	visible, err := s.store.FilterTaskIDsByScope(ctx, ids, scope)
	if err != nil {
		return resp, err
	}
	visibleSet := make(map[string]bool, len(visible))
	for _, id := range visible {
		visibleSet[id] = true
	}
	for _, r := range results {
		if visibleSet[r.ID] {
			resp.Results = append(resp.Results, r)
		}
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Category:    task.Category,
		Status:      task.Status,
	})
}

// --- accounts and sessions ---

type Session struct {
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (s *Service) SignUp(ctx context.Context, name, email, password string) (UserView, error) {
	user, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Name: name, Email: email, Password: password})
	if errors.Is(err, authpw.ErrInvalidInput) {
		return UserView{}, validationError(err.Error())
	}
	if errors.Is(err, store.ErrDuplicateEmail) {
		return UserView{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered")
	}
	if err != nil {
		return UserView{}, err
	}
	return userView(user), nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, errInvalidCredentials()
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Name,
		Email: user.Email,
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refresh := util.NewID("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		UserID:       user.ID,
		Name:         user.Name,
		Email:        user.Email,
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked and a fresh
// session is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	stub, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_SESSION", "Session expired or revoked")
	}
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_SESSION", "Session expired or revoked")
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// SessionFromToken authenticates a bearer token and re-checks that the
// user still exists.
func (s *Service) SessionFromToken(ctx context.Context, token string) (auth.Claims, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return auth.Claims{}, err
	}
	if _, err := s.store.GetUserByID(ctx, claims.Sub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Claims{}, auth.ErrInvalidToken
		}
		return auth.Claims{}, err
	}
	return claims, nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserView{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found")
	}
	if err != nil {
		return UserView{}, err
	}
	return userView(user), nil
}
