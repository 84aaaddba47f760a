package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	"github.com/noah-isme/sma-planner-api/internal/planner"
	"github.com/noah-isme/sma-planner-api/pkg/config"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/jobs"
)

// PersistJobType identifies background lesson write batches.
const PersistJobType = "planner.persist"

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type plannerLessonRepository interface {
	ListByClassYear(ctx context.Context, classID string, schoolYear int) ([]models.Lesson, error)
	ApplyOperations(ctx context.Context, exec sqlx.ExtContext, ops []models.LessonOperation) error
}

type plannerSubjectRepository interface {
	ListByClass(ctx context.Context, classID string) ([]models.Subject, error)
}

type plannerTopicRepository interface {
	FindByID(ctx context.Context, id string) (*models.Topic, error)
}

type templateProvider interface {
	Get(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error)
}

type persistQueue interface {
	Enqueue(job jobs.Job) error
}

// PlannerConfig tunes workspace lifetime and persistence.
type PlannerConfig struct {
	PersistMode       string
	CopySuffix        string
	CacheTTL          time.Duration
	NotificationLimit int
}

// PlannerScope addresses the lesson plan of one class and school year on behalf of a teacher.
type PlannerScope struct {
	OwnerID    string
	ClassID    string
	SchoolYear int
}

// CommandResult reports the outcome of a planner command.
type CommandResult struct {
	Status  planner.Status  `json:"status"`
	Lesson  *models.Lesson  `json:"lesson,omitempty"`
	Changed []models.Lesson `json:"changed"`
	Deleted []string        `json:"deleted,omitempty"`
}

// SlotView describes a grid cell.
type SlotView struct {
	WeekNumber   int            `json:"week_number"`
	SubjectID    string         `json:"subject_id"`
	LessonNumber int            `json:"lesson_number"`
	Lesson       *models.Lesson `json:"lesson"`
	Span         *planner.Span  `json:"span,omitempty"`
	CoveredBy    *string        `json:"covered_by,omitempty"`
}

// SubjectWeek is the row of one subject in the week grid.
type SubjectWeek struct {
	Subject     models.Subject          `json:"subject"`
	Lessons     []models.Lesson         `json:"lessons"`
	Spans       map[string]planner.Span `json:"spans"`
	Blocks      []planner.Block         `json:"blocks"`
	FreeNumbers []int                   `json:"free_numbers"`
}

// WeekView is the grid of one week.
type WeekView struct {
	ClassID    string              `json:"class_id"`
	SchoolYear int                 `json:"school_year"`
	WeekNumber int                 `json:"week_number"`
	Mode       models.ScheduleMode `json:"mode"`
	Subjects   []SubjectWeek       `json:"subjects"`
}

type workspaceKey struct {
	classID string
	year    int
}

func (k workspaceKey) cacheKey() string {
	return fmt.Sprintf("planner:lessons:%s:%d", k.classID, k.year)
}

// workspace is the in-memory lesson snapshot of one class and year. pending counts
// background write batches that have not finished yet. epoch changes when a batch
// finally fails; batches queued under an older epoch are discarded.
type workspace struct {
	mu       sync.Mutex
	store    *planner.Store
	subjects []models.Subject
	loadedAt time.Time
	pending  int
	epoch    int
}

type persistPayload struct {
	Scope   PlannerScope
	Command string
	Before  *planner.Store
	Ops     []models.LessonOperation
	Epoch   int
}

// PlannerService runs grid commands against per-class workspaces and persists their effects.
type PlannerService struct {
	lessons   plannerLessonRepository
	subjects  plannerSubjectRepository
	topics    plannerTopicRepository
	templates templateProvider
	tx        txProvider
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       PlannerConfig
	queue     persistQueue

	mu         sync.Mutex
	workspaces map[workspaceKey]*workspace

	notesMu       sync.Mutex
	notifications []models.PlannerNotification

	now   func() time.Time
	newID func() string
}

// NewPlannerService constructs the planner service.
func NewPlannerService(
	lessons plannerLessonRepository,
	subjects plannerSubjectRepository,
	topics plannerTopicRepository,
	templates templateProvider,
	tx txProvider,
	cache *CacheService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg PlannerConfig,
) *PlannerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PersistMode != config.PersistModeAsync {
		cfg.PersistMode = config.PersistModeSync
	}
	if cfg.NotificationLimit <= 0 {
		cfg.NotificationLimit = 100
	}
	return &PlannerService{
		lessons:    lessons,
		subjects:   subjects,
		topics:     topics,
		templates:  templates,
		tx:         tx,
		cache:      cache,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
		workspaces: map[workspaceKey]*workspace{},
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// UseQueue attaches the background queue used in async persistence mode.
func (s *PlannerService) UseQueue(q persistQueue) {
	s.queue = q
}

// Lessons returns every lesson of the scope.
func (s *PlannerService) Lessons(ctx context.Context, scope PlannerScope) ([]models.Lesson, error) {
	var out []models.Lesson
	err := s.withWorkspace(ctx, scope, func(ws *workspace) error {
		out = ws.store.Lessons()
		return nil
	})
	return out, err
}

// ListLessons returns one page of the scope's lessons, optionally limited to a week or subject.
func (s *PlannerService) ListLessons(ctx context.Context, scope PlannerScope, query dto.LessonListQuery) ([]models.Lesson, *models.Pagination, error) {
	if err := s.validate(query, "invalid lesson query"); err != nil {
		return nil, nil, err
	}
	if query.Page == 0 {
		query.Page = 1
	}
	if query.PageSize == 0 {
		query.PageSize = 100
	}

	all, err := s.Lessons(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	filtered := make([]models.Lesson, 0, len(all))
	for _, l := range all {
		if query.Week != 0 && l.WeekNumber != query.Week {
			continue
		}
		if query.SubjectID != "" && l.SubjectID != query.SubjectID {
			continue
		}
		filtered = append(filtered, l)
	}

	start := (query.Page - 1) * query.PageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + query.PageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], &models.Pagination{Page: query.Page, PageSize: query.PageSize, TotalCount: len(filtered)}, nil
}

// ResolveSlot describes the cell (week, subject, lesson number).
func (s *PlannerService) ResolveSlot(ctx context.Context, scope PlannerScope, week int, subjectID string, lessonNumber int) (*SlotView, error) {
	analyzer, err := s.analyzer(ctx, scope.OwnerID)
	if err != nil {
		return nil, err
	}

	view := &SlotView{WeekNumber: week, SubjectID: subjectID, LessonNumber: lessonNumber}
	err = s.withWorkspace(ctx, scope, func(ws *workspace) error {
		subject, err := findSubject(ws.subjects, subjectID)
		if err != nil {
			return err
		}
		if err := checkCell(week, lessonNumber, subject); err != nil {
			return err
		}

		group := ws.store.WeekSubject(week, subjectID)
		spans := planner.ResolveSpans(group, ws.subjects, analyzer, scope.SchoolYear)
		if lesson, ok := ws.store.Lookup(week, subjectID, lessonNumber); ok {
			span := spans[lesson.ID]
			view.Lesson = &lesson
			view.Span = &span
			if span.Hidden() {
				if owner, ok := coveringPrimary(group, spans, lesson); ok {
					view.CoveredBy = models.String(owner.ID)
				}
			}
			return nil
		}
		if owner, ok := ws.store.Covering(week, subjectID, lessonNumber); ok {
			view.CoveredBy = models.String(owner.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ResolveSpan returns how many periods a lesson takes up in the grid.
func (s *PlannerService) ResolveSpan(ctx context.Context, scope PlannerScope, lessonID string) (planner.Span, error) {
	analyzer, err := s.analyzer(ctx, scope.OwnerID)
	if err != nil {
		return planner.Span{}, err
	}

	var span planner.Span
	err = s.withWorkspace(ctx, scope, func(ws *workspace) error {
		lesson, ok := ws.store.Get(lessonID)
		if !ok {
			return appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		spans := planner.ResolveSpans(ws.store.WeekSubject(lesson.WeekNumber, lesson.SubjectID), ws.subjects, analyzer, scope.SchoolYear)
		span = spans[lesson.ID]
		return nil
	})
	return span, err
}

// ResolveBlocks merges the lessons of a subject in a week into topic blocks.
func (s *PlannerService) ResolveBlocks(ctx context.Context, scope PlannerScope, week int, subjectID string) ([]planner.Block, error) {
	analyzer, err := s.analyzer(ctx, scope.OwnerID)
	if err != nil {
		return nil, err
	}

	var blocks []planner.Block
	err = s.withWorkspace(ctx, scope, func(ws *workspace) error {
		if _, err := findSubject(ws.subjects, subjectID); err != nil {
			return err
		}
		group := ws.store.WeekSubject(week, subjectID)
		blocks = planner.MergeBlocks(group, planner.ResolveSpans(group, ws.subjects, analyzer, scope.SchoolYear))
		return nil
	})
	return blocks, err
}

// WeekView returns lessons, spans, blocks and free lesson numbers of every subject in a week.
func (s *PlannerService) WeekView(ctx context.Context, scope PlannerScope, week int) (*WeekView, error) {
	if week < 1 || week > planner.MaxWeek {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("week must lie within 1..%d", planner.MaxWeek))
	}
	analyzer, err := s.analyzer(ctx, scope.OwnerID)
	if err != nil {
		return nil, err
	}

	view := &WeekView{ClassID: scope.ClassID, SchoolYear: scope.SchoolYear, WeekNumber: week, Mode: analyzer.Mode()}
	err = s.withWorkspace(ctx, scope, func(ws *workspace) error {
		weekLessons := ws.store.Week(week)
		spans := planner.ResolveSpans(weekLessons, ws.subjects, analyzer, scope.SchoolYear)
		for _, subject := range ws.subjects {
			group := ws.store.WeekSubject(week, subject.ID)
			row := SubjectWeek{
				Subject:     subject,
				Lessons:     group,
				Spans:       map[string]planner.Span{},
				FreeNumbers: []int{},
			}
			if row.Lessons == nil {
				row.Lessons = []models.Lesson{}
			}
			for _, l := range group {
				row.Spans[l.ID] = spans[l.ID]
			}
			row.Blocks = planner.MergeBlocks(group, spans)
			if row.Blocks == nil {
				row.Blocks = []planner.Block{}
			}
			taken := planner.Occupancy(group, subject.ID, week)
			for n := 1; n <= subject.LessonsPerWeek; n++ {
				if !taken[n] {
					row.FreeNumbers = append(row.FreeNumbers, n)
				}
			}
			view.Subjects = append(view.Subjects, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Availability finds the nearest free lesson numbers before and after a position.
func (s *PlannerService) Availability(ctx context.Context, scope PlannerScope, query dto.AvailabilityQuery) (*dto.AvailabilityResponse, error) {
	if err := s.validate(query, "invalid availability query"); err != nil {
		return nil, err
	}

	resp := &dto.AvailabilityResponse{Week: query.Week, SubjectID: query.SubjectID, From: query.From}
	err := s.withWorkspace(ctx, scope, func(ws *workspace) error {
		subject, err := findSubject(ws.subjects, query.SubjectID)
		if err != nil {
			return err
		}
		group := ws.store.WeekSubject(query.Week, subject.ID)
		if n, ok := planner.FindNext(group, subject.ID, query.Week, query.From, subject.LessonsPerWeek); ok {
			resp.Next = &n
		}
		if n, ok := planner.FindPrevious(group, subject.ID, query.Week, query.From); ok {
			resp.Previous = &n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Notifications lists failed background writes of the scope, newest first.
func (s *PlannerService) Notifications(scope PlannerScope) []models.PlannerNotification {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()

	out := []models.PlannerNotification{}
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if n.ClassID == scope.ClassID && n.SchoolYear == scope.SchoolYear {
			out = append(out, n)
		}
	}
	return out
}

// Refresh drops the workspace snapshot so the next access reloads it from the database.
func (s *PlannerService) Refresh(ctx context.Context, scope PlannerScope) error {
	key := workspaceKey{classID: scope.ClassID, year: scope.SchoolYear}
	ws := s.lookupWorkspace(key)
	if ws != nil {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if ws.pending > 0 {
			return appErrors.Clone(appErrors.ErrConflict, "lesson changes are still being saved")
		}
		ws.store = nil
	}
	s.cache.Delete(ctx, key.cacheKey())
	return nil
}

// CreateLesson plans a lesson in an empty cell.
func (s *PlannerService) CreateLesson(ctx context.Context, scope PlannerScope, req dto.CreateLessonRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid lesson payload"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "create", func(m *planner.Mutator, ws *workspace) (planner.Result, error) {
		if req.TopicID != nil {
			subject, err := findSubject(ws.subjects, req.SubjectID)
			if err != nil {
				return planner.Result{}, err
			}
			if err := s.checkTopic(ctx, *req.TopicID, subject); err != nil {
				return planner.Result{}, err
			}
		}
		return m.Create(planner.CreateInput{
			WeekNumber:   req.WeekNumber,
			SubjectID:    req.SubjectID,
			LessonNumber: req.LessonNumber,
			TopicID:      req.TopicID,
			Name:         req.Name,
			Notes:        req.Notes,
			Steps:        models.LessonSteps(req.Steps),
			IsExam:       req.IsExam,
			IsHalfClass:  req.IsHalfClass,
		})
	})
}

// EditLesson changes lesson content and flags.
func (s *PlannerService) EditLesson(ctx context.Context, scope PlannerScope, lessonID string, req dto.UpdateLessonRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid lesson payload"); err != nil {
		return nil, err
	}
	patch := planner.LessonPatch{Name: req.Name, Notes: req.Notes, IsExam: req.IsExam, IsHalfClass: req.IsHalfClass}
	if req.Steps != nil {
		steps := models.LessonSteps(*req.Steps)
		patch.Steps = &steps
	}
	return s.execute(ctx, scope, "edit", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.Edit(lessonID, patch)
	})
}

// MoveLesson places a lesson in another cell.
func (s *PlannerService) MoveLesson(ctx context.Context, scope PlannerScope, lessonID string, req dto.PlacementRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid placement"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "move", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.Move(lessonID, req.WeekNumber, req.SubjectID, req.LessonNumber)
	})
}

// CopyLesson copies a lesson into another cell.
func (s *PlannerService) CopyLesson(ctx context.Context, scope PlannerScope, lessonID string, req dto.PlacementRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid placement"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "copy", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.Copy(lessonID, req.WeekNumber, req.SubjectID, req.LessonNumber)
	})
}

// DuplicateLesson copies a lesson to the nearest free lesson number of the same week.
func (s *PlannerService) DuplicateLesson(ctx context.Context, scope PlannerScope, lessonID string, req dto.DuplicateLessonRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid duplicate request"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "duplicate", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.DuplicateToNearestFree(lessonID, planner.Direction(req.Direction))
	})
}

// DeleteLesson removes a lesson.
func (s *PlannerService) DeleteLesson(ctx context.Context, scope PlannerScope, lessonID string) (*CommandResult, error) {
	return s.execute(ctx, scope, "delete", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.Delete(lessonID)
	})
}

// SetDoubleLesson turns a lesson into a double lesson or back into a single one.
func (s *PlannerService) SetDoubleLesson(ctx context.Context, scope PlannerScope, lessonID string, req dto.DoubleLessonRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid double lesson request"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "double", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.SetDoubleLesson(lessonID, *req.Enabled, models.ScheduleMode(req.Mode))
	})
}

// AssignTopic sets or clears the topic of lessons.
func (s *PlannerService) AssignTopic(ctx context.Context, scope PlannerScope, req dto.AssignTopicRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid topic assignment"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "assign_topic", func(m *planner.Mutator, ws *workspace) (planner.Result, error) {
		if req.TopicID != nil {
			checked := map[string]bool{}
			for _, id := range req.LessonIDs {
				lesson, ok := ws.store.Get(id)
				if !ok {
					return planner.Result{}, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
				}
				if checked[lesson.SubjectID] {
					continue
				}
				subject, err := findSubject(ws.subjects, lesson.SubjectID)
				if err != nil {
					return planner.Result{}, err
				}
				if err := s.checkTopic(ctx, *req.TopicID, subject); err != nil {
					return planner.Result{}, err
				}
				checked[lesson.SubjectID] = true
			}
		}
		return m.AssignTopic(req.TopicID, req.LessonIDs)
	})
}

// GenerateLessons creates empty lessons on all free cells of a week range.
func (s *PlannerService) GenerateLessons(ctx context.Context, scope PlannerScope, req dto.GenerateLessonsRequest) (*CommandResult, error) {
	if err := s.validate(req, "invalid generate request"); err != nil {
		return nil, err
	}
	return s.execute(ctx, scope, "generate", func(m *planner.Mutator, _ *workspace) (planner.Result, error) {
		return m.GenerateFromTemplate(req.WeekFrom, req.WeekTo, req.SubjectIDs)
	})
}

// HandlePersistJob writes a queued batch. It is the handler of the background queue.
func (s *PlannerService) HandlePersistJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(persistPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for job %s", job.Payload, job.ID)
	}

	key := workspaceKey{classID: payload.Scope.ClassID, year: payload.Scope.SchoolYear}
	if s.discardStale(key, job, payload) {
		return nil
	}

	start := time.Now()
	err := s.applyOperations(ctx, payload.Ops)
	s.metrics.ObservePersist(config.PersistModeAsync, time.Since(start), err)
	if err != nil {
		s.logger.Warn("background lesson write failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.String("command", payload.Command),
			zap.Error(err),
		)
		return err
	}

	s.metrics.AddBacklog(-1)
	if ws := s.lookupWorkspace(key); ws != nil {
		ws.mu.Lock()
		ws.pending--
		var snapshot []models.Lesson
		if ws.pending == 0 && ws.store != nil {
			snapshot = ws.store.Lessons()
		}
		ws.mu.Unlock()
		if snapshot != nil {
			s.cache.Set(ctx, key.cacheKey(), snapshot, s.cfg.CacheTTL)
		}
	}
	return nil
}

// discardStale drops a batch queued before an earlier batch of the same workspace
// finally failed. It reports whether the batch was dropped.
func (s *PlannerService) discardStale(key workspaceKey, job jobs.Job, payload persistPayload) bool {
	ws := s.lookupWorkspace(key)
	if ws == nil {
		return false
	}
	ws.mu.Lock()
	if payload.Epoch == ws.epoch {
		ws.mu.Unlock()
		return false
	}
	ws.pending--
	ws.mu.Unlock()

	s.metrics.AddBacklog(-1)
	s.notify(models.PlannerNotification{
		ID:         s.newID(),
		ClassID:    payload.Scope.ClassID,
		SchoolYear: payload.Scope.SchoolYear,
		Command:    payload.Command,
		Level:      "error",
		Message:    fmt.Sprintf("%s was discarded because an earlier change could not be saved", payload.Command),
		LessonIDs:  lessonIDs(payload.Ops),
		CreatedAt:  s.now(),
	})
	s.logger.Warn("discarded lesson write queued behind a failed batch",
		zap.String("job_id", job.ID),
		zap.String("command", payload.Command),
	)
	return true
}

// HandlePersistFailure reverts a batch that could not be written and notifies the teacher.
func (s *PlannerService) HandlePersistFailure(job jobs.Job, err error) {
	payload, ok := job.Payload.(persistPayload)
	if !ok {
		s.logger.Error("dropping failed job with unexpected payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.metrics.AddBacklog(-1)
	key := workspaceKey{classID: payload.Scope.ClassID, year: payload.Scope.SchoolYear}
	if ws := s.lookupWorkspace(key); ws != nil {
		ws.mu.Lock()
		ws.pending--
		ws.epoch++
		switch {
		case ws.store == nil:
		case ws.pending == 0:
			ws.store = ws.store.Revert(payload.Before, payload.Ops)
		default:
			// later batches built on this one are discarded; reload from the database
			ws.store = nil
		}
		ws.mu.Unlock()
	}
	s.cache.Delete(context.Background(), key.cacheKey())

	ids := lessonIDs(payload.Ops)
	s.notify(models.PlannerNotification{
		ID:         s.newID(),
		ClassID:    payload.Scope.ClassID,
		SchoolYear: payload.Scope.SchoolYear,
		Command:    payload.Command,
		Level:      "error",
		Message:    fmt.Sprintf("%s could not be saved and was undone", payload.Command),
		LessonIDs:  ids,
		CreatedAt:  s.now(),
	})
	s.logger.Error("lesson changes reverted after failed background write",
		zap.String("job_id", job.ID),
		zap.String("class_id", payload.Scope.ClassID),
		zap.Int("school_year", payload.Scope.SchoolYear),
		zap.String("command", payload.Command),
		zap.Error(err),
	)
}

func (s *PlannerService) execute(ctx context.Context, scope PlannerScope, command string, fn func(*planner.Mutator, *workspace) (planner.Result, error)) (*CommandResult, error) {
	analyzer, err := s.analyzer(ctx, scope.OwnerID)
	if err != nil {
		s.metrics.RecordCommand(command, outcomeOf(err, ""))
		return nil, err
	}

	var out *CommandResult
	err = s.withWorkspace(ctx, scope, func(ws *workspace) error {
		mutator := planner.NewMutator(ws.store, ws.subjects, analyzer, planner.Options{
			Mode:       analyzer.Mode(),
			CopySuffix: s.cfg.CopySuffix,
			ClassID:    scope.ClassID,
			SchoolYear: scope.SchoolYear,
			NewID:      s.newID,
			Now:        s.now,
		})
		res, err := fn(mutator, ws)
		if err != nil {
			return err
		}
		if len(res.Ops) > 0 {
			before := ws.store
			ws.store = res.Next
			if err := s.persist(ctx, scope, command, ws, before, res.Ops); err != nil {
				ws.store = ws.store.Revert(before, res.Ops)
				return err
			}
		}
		out = buildResult(res, ws.store)
		return nil
	})
	if err != nil {
		s.metrics.RecordCommand(command, outcomeOf(err, ""))
		return nil, err
	}
	s.metrics.RecordCommand(command, string(out.Status))
	return out, nil
}

// persist writes ops in the configured mode. The caller holds ws.mu.
func (s *PlannerService) persist(ctx context.Context, scope PlannerScope, command string, ws *workspace, before *planner.Store, ops []models.LessonOperation) error {
	key := workspaceKey{classID: scope.ClassID, year: scope.SchoolYear}

	if s.cfg.PersistMode == config.PersistModeAsync && s.queue != nil {
		job := jobs.Job{
			ID:       s.newID(),
			Type:     PersistJobType,
			Key:      key.cacheKey(),
			Payload:  persistPayload{Scope: scope, Command: command, Before: before, Ops: ops, Epoch: ws.epoch},
			Enqueued: s.now(),
		}
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Error("failed to enqueue lesson write", zap.String("command", command), zap.Error(err))
			return appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, appErrors.ErrPersistence.Message)
		}
		ws.pending++
		s.metrics.AddBacklog(1)
		return nil
	}

	start := time.Now()
	err := s.applyOperations(ctx, ops)
	s.metrics.ObservePersist(config.PersistModeSync, time.Since(start), err)
	if err != nil {
		s.logger.Error("failed to persist lesson changes",
			zap.String("command", command),
			zap.String("class_id", scope.ClassID),
			zap.Int("school_year", scope.SchoolYear),
			zap.Error(err),
		)
		return appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, appErrors.ErrPersistence.Message)
	}
	s.cache.Set(ctx, key.cacheKey(), ws.store.Lessons(), s.cfg.CacheTTL)
	return nil
}

func (s *PlannerService) applyOperations(ctx context.Context, ops []models.LessonOperation) (err error) {
	if s.tx == nil {
		return s.lessons.ApplyOperations(ctx, nil, ops)
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lesson transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.lessons.ApplyOperations(ctx, tx, ops); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit lesson transaction: %w", err)
	}
	return nil
}

// withWorkspace runs fn with the scope's workspace locked and loaded.
func (s *PlannerService) withWorkspace(ctx context.Context, scope PlannerScope, fn func(*workspace) error) error {
	if scope.ClassID == "" || scope.SchoolYear <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "class and school year are required")
	}

	key := workspaceKey{classID: scope.ClassID, year: scope.SchoolYear}
	s.mu.Lock()
	ws, ok := s.workspaces[key]
	if !ok {
		ws = &workspace{}
		s.workspaces[key] = ws
	}
	s.mu.Unlock()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.store == nil || (ws.pending == 0 && s.cfg.CacheTTL > 0 && s.now().Sub(ws.loadedAt) > s.cfg.CacheTTL) {
		if err := s.load(ctx, key, ws); err != nil {
			return err
		}
	}
	return fn(ws)
}

func (s *PlannerService) load(ctx context.Context, key workspaceKey, ws *workspace) error {
	subjects, err := s.subjects.ListByClass(ctx, key.classID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subjects")
	}

	var lessons []models.Lesson
	if !s.cache.Get(ctx, key.cacheKey(), &lessons) {
		lessons, err = s.lessons.ListByClassYear(ctx, key.classID, key.year)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lessons")
		}
		s.cache.Set(ctx, key.cacheKey(), lessons, s.cfg.CacheTTL)
	}

	ws.store = planner.NewStore(lessons)
	ws.subjects = subjects
	ws.loadedAt = s.now()
	s.logger.Debug("planner workspace loaded",
		zap.String("class_id", key.classID),
		zap.Int("school_year", key.year),
		zap.Int("lessons", ws.store.Len()),
	)
	return nil
}

func (s *PlannerService) lookupWorkspace(key workspaceKey) *workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[key]
}

func (s *PlannerService) analyzer(ctx context.Context, ownerID string) (*planner.DoubleAnalyzer, error) {
	if s.templates == nil {
		return planner.NewDoubleAnalyzer(nil), nil
	}
	tpl, err := s.templates.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return planner.NewDoubleAnalyzer(tpl), nil
}

func (s *PlannerService) checkTopic(ctx context.Context, topicID string, subject models.Subject) error {
	topic, err := s.topics.FindByID(ctx, topicID)
	if err != nil {
		if isNoRows(err) {
			return appErrors.Clone(appErrors.ErrNotFound, "topic not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load topic")
	}
	if !topic.BelongsTo(subject) {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("topic %q does not belong to subject %q", topic.Name, subject.Name))
	}
	return nil
}

func lessonIDs(ops []models.LessonOperation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.LessonID)
	}
	return ids
}

func (s *PlannerService) notify(n models.PlannerNotification) {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()
	s.notifications = append(s.notifications, n)
	if over := len(s.notifications) - s.cfg.NotificationLimit; over > 0 {
		s.notifications = append([]models.PlannerNotification(nil), s.notifications[over:]...)
	}
}

func (s *PlannerService) validate(req interface{}, message string) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
	}
	return nil
}

func buildResult(res planner.Result, store *planner.Store) *CommandResult {
	out := &CommandResult{Status: res.Status, Lesson: res.Lesson, Changed: []models.Lesson{}}
	if out.Status == "" {
		out.Status = planner.StatusApplied
	}
	seen := map[string]bool{}
	for _, op := range res.Ops {
		if seen[op.LessonID] {
			continue
		}
		seen[op.LessonID] = true
		if l, ok := store.Get(op.LessonID); ok {
			out.Changed = append(out.Changed, l)
		} else {
			out.Deleted = append(out.Deleted, op.LessonID)
		}
	}
	return out
}

func outcomeOf(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return appErrors.FromError(err).Code
}

func findSubject(subjects []models.Subject, id string) (models.Subject, error) {
	for _, s := range subjects {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Subject{}, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
}

func checkCell(week, lessonNumber int, subject models.Subject) error {
	if week < 1 || week > planner.MaxWeek {
		return appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("week must lie within 1..%d", planner.MaxWeek))
	}
	if lessonNumber < 1 || lessonNumber > subject.LessonsPerWeek {
		return appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("lesson number must lie within 1..%d", subject.LessonsPerWeek))
	}
	return nil
}

// coveringPrimary finds the visible lesson whose span hides lesson.
func coveringPrimary(group []models.Lesson, spans map[string]planner.Span, lesson models.Lesson) (models.Lesson, bool) {
	sorted := append([]models.Lesson(nil), group...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessonNumber < sorted[j].LessonNumber })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == lesson.ID && spans[sorted[i-1].ID].SpanCount == 2 {
			return sorted[i-1], true
		}
	}
	return models.Lesson{}, false
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
