package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	"github.com/noah-isme/sma-planner-api/internal/planner"
	"github.com/noah-isme/sma-planner-api/pkg/config"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/jobs"
)

type lessonRepoStub struct {
	mu       sync.Mutex
	lessons  []models.Lesson
	applied  [][]models.LessonOperation
	applyErr error
	failures int
	gate     chan struct{}
	loads    int
}

func (r *lessonRepoStub) ListByClassYear(ctx context.Context, classID string, schoolYear int) ([]models.Lesson, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	return append([]models.Lesson(nil), r.lessons...), nil
}

func (r *lessonRepoStub) ApplyOperations(ctx context.Context, exec sqlx.ExtContext, ops []models.LessonOperation) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return r.applyErr
	}
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	r.applied = append(r.applied, ops)
	return nil
}

// storedNumber replays the written batches and returns the lesson number the database holds for id.
func (r *lessonRepoStub) storedNumber(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	number := 0
	for _, l := range r.lessons {
		if l.ID == id {
			number = l.LessonNumber
		}
	}
	for _, batch := range r.applied {
		for _, op := range batch {
			if op.LessonID == id && op.Kind != models.LessonOperationDelete {
				number = op.Lesson.LessonNumber
			}
		}
	}
	return number
}

type subjectRepoStub struct {
	subjects []models.Subject
}

func (s subjectRepoStub) ListByClass(ctx context.Context, classID string) ([]models.Subject, error) {
	return s.subjects, nil
}

type topicRepoStub struct {
	topics map[string]models.Topic
}

func (s topicRepoStub) FindByID(ctx context.Context, id string) (*models.Topic, error) {
	t, ok := s.topics[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &t, nil
}

func (s topicRepoStub) ListByClass(ctx context.Context, classID string) ([]models.Topic, error) {
	out := make([]models.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		out = append(out, t)
	}
	return out, nil
}

type templateStub struct {
	tpl *models.ScheduleTemplate
}

func (s templateStub) Get(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error) {
	return s.tpl, nil
}

type queueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type plannerTxMock struct {
	db *sqlx.DB
}

func (t plannerTxMock) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return t.db.BeginTxx(ctx, opts)
}

var testScope = PlannerScope{OwnerID: "teacher-1", ClassID: "class-1", SchoolYear: 2024}

func mathSubject(lessonsPerWeek int) models.Subject {
	return models.Subject{ID: "math", Name: "Mathematik", ClassID: "class-1", LessonsPerWeek: lessonsPerWeek}
}

func plannedLesson(id string, week, number int) models.Lesson {
	return models.Lesson{ID: id, SchoolYear: 2024, WeekNumber: week, SubjectID: "math", LessonNumber: number, ClassID: "class-1"}
}

func newPlannerServiceForTest(t *testing.T, repo *lessonRepoStub, cfg PlannerConfig, subjects ...models.Subject) *PlannerService {
	t.Helper()
	svc := NewPlannerService(
		repo,
		subjectRepoStub{subjects: subjects},
		topicRepoStub{topics: map[string]models.Topic{
			"topic-math":   {ID: "topic-math", Name: "Bruchrechnung", SubjectID: "math", ClassID: "class-1"},
			"topic-legacy": {ID: "topic-legacy", Name: "Geometrie", SubjectName: "mathematik", ClassID: "class-1"},
			"topic-german": {ID: "topic-german", Name: "Lyrik", SubjectID: "german", ClassID: "class-1"},
		}},
		templateStub{},
		nil,
		nil,
		nil,
		nil,
		zap.NewNop(),
		cfg,
	)
	seq := 0
	svc.newID = func() string {
		seq++
		return fmt.Sprintf("gen-%d", seq)
	}
	svc.now = func() time.Time { return time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC) }
	return svc
}

func TestPlannerServiceCreateLessonPersistsSynchronously(t *testing.T) {
	repo := &lessonRepoStub{}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	res, err := svc.CreateLesson(context.Background(), testScope, dto.CreateLessonRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 2, Name: "Einführung"})
	require.NoError(t, err)
	assert.Equal(t, planner.StatusApplied, res.Status)
	require.NotNil(t, res.Lesson)
	assert.Equal(t, "gen-1", res.Lesson.ID)
	require.Len(t, res.Changed, 1)

	require.Len(t, repo.applied, 1)
	assert.Equal(t, models.LessonOperationCreate, repo.applied[0][0].Kind)

	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, 2, lessons[0].LessonNumber)
}

func TestPlannerServiceRevertsWhenSyncPersistenceFails(t *testing.T) {
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1)}, applyErr: errors.New("connection reset")}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	_, err := svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 2, SubjectID: "math", LessonNumber: 3})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrPersistence.Code))

	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, 1, lessons[0].WeekNumber)
	assert.Equal(t, 1, lessons[0].LessonNumber)
}

func TestPlannerServiceUsesTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))
	svc.tx = plannerTxMock{db: sqlx.NewDb(db, "sqlmock")}

	mock.ExpectBegin()
	mock.ExpectCommit()
	_, err = svc.DeleteLesson(context.Background(), testScope, "a")
	require.NoError(t, err)

	repo.applyErr = errors.New("constraint violation")
	mock.ExpectBegin()
	mock.ExpectRollback()
	_, err = svc.CreateLesson(context.Background(), testScope, dto.CreateLessonRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 1})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrPersistence.Code))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlannerServiceRejectsOccupiedTarget(t *testing.T) {
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1), plannedLesson("b", 1, 2)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	_, err := svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 2})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrSlotOccupied.Code))
	assert.Empty(t, repo.applied)
}

func TestPlannerServiceDuplicateWithoutFreeSlot(t *testing.T) {
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1), plannedLesson("b", 1, 2)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(2))

	res, err := svc.DuplicateLesson(context.Background(), testScope, "a", dto.DuplicateLessonRequest{Direction: "next"})
	require.NoError(t, err)
	assert.Equal(t, planner.StatusNoFreeSlot, res.Status)
	assert.Empty(t, res.Changed)
	assert.Empty(t, repo.applied)
}

func TestPlannerServiceValidatesRequests(t *testing.T) {
	svc := newPlannerServiceForTest(t, &lessonRepoStub{}, PlannerConfig{}, mathSubject(4))

	_, err := svc.DuplicateLesson(context.Background(), testScope, "a", dto.DuplicateLessonRequest{Direction: "sideways"})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))

	_, err = svc.GenerateLessons(context.Background(), testScope, dto.GenerateLessonsRequest{WeekFrom: 5, WeekTo: 2})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))

	_, err = svc.Lessons(context.Background(), PlannerScope{ClassID: "class-1"})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))
}

func TestPlannerServiceAsyncFailureRevertsAndNotifies(t *testing.T) {
	repo := &lessonRepoStub{}
	queue := &queueStub{}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{PersistMode: config.PersistModeAsync}, mathSubject(4))
	svc.UseQueue(queue)

	res, err := svc.CreateLesson(context.Background(), testScope, dto.CreateLessonRequest{WeekNumber: 3, SubjectID: "math", LessonNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, planner.StatusApplied, res.Status)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, PersistJobType, queue.jobs[0].Type)
	assert.Empty(t, repo.applied)

	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, lessons, 1)

	svc.HandlePersistFailure(queue.jobs[0], errors.New("database unavailable"))

	lessons, err = svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	assert.Empty(t, lessons)

	notes := svc.Notifications(testScope)
	require.Len(t, notes, 1)
	assert.Equal(t, "create", notes[0].Command)
	assert.Equal(t, []string{"gen-1"}, notes[0].LessonIDs)
	assert.Empty(t, svc.Notifications(PlannerScope{ClassID: "class-2", SchoolYear: 2024}))
}

func TestPlannerServiceAsyncJobWritesBatch(t *testing.T) {
	repo := &lessonRepoStub{}
	queue := &queueStub{}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{PersistMode: config.PersistModeAsync}, mathSubject(4))
	svc.UseQueue(queue)

	_, err := svc.CreateLesson(context.Background(), testScope, dto.CreateLessonRequest{WeekNumber: 3, SubjectID: "math", LessonNumber: 1})
	require.NoError(t, err)
	require.Len(t, queue.jobs, 1)

	require.Error(t, svc.Refresh(context.Background(), testScope))

	require.NoError(t, svc.HandlePersistJob(context.Background(), queue.jobs[0]))
	require.Len(t, repo.applied, 1)
	require.NoError(t, svc.Refresh(context.Background(), testScope))
}

func TestPlannerServiceAsyncEnqueueFailure(t *testing.T) {
	repo := &lessonRepoStub{}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{PersistMode: config.PersistModeAsync}, mathSubject(4))
	svc.UseQueue(&queueStub{err: errors.New("queue not started")})

	_, err := svc.CreateLesson(context.Background(), testScope, dto.CreateLessonRequest{WeekNumber: 3, SubjectID: "math", LessonNumber: 1})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrPersistence.Code))

	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	assert.Empty(t, lessons)
}

func TestPlannerServiceAssignTopicChecksSubject(t *testing.T) {
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1), plannedLesson("b", 1, 2)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	_, err := svc.AssignTopic(context.Background(), testScope, dto.AssignTopicRequest{TopicID: models.String("topic-german"), LessonIDs: []string{"a"}})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))

	_, err = svc.AssignTopic(context.Background(), testScope, dto.AssignTopicRequest{TopicID: models.String("missing"), LessonIDs: []string{"a"}})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrNotFound.Code))

	res, err := svc.AssignTopic(context.Background(), testScope, dto.AssignTopicRequest{TopicID: models.String("topic-legacy"), LessonIDs: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, res.Changed, 2)
	for _, l := range res.Changed {
		require.NotNil(t, l.TopicID)
		assert.Equal(t, "topic-legacy", *l.TopicID)
	}

	blocks, err := svc.ResolveBlocks(context.Background(), testScope, 1, "math")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, 2, blocks[0].OccupiedSlots)
}

func TestPlannerServiceWeekViewAndSlots(t *testing.T) {
	unified := plannedLesson("u", 1, 1)
	unified.IsDoubleLesson = models.Bool(true)
	repo := &lessonRepoStub{lessons: []models.Lesson{unified, plannedLesson("c", 1, 4)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	view, err := svc.WeekView(context.Background(), testScope, 1)
	require.NoError(t, err)
	require.Len(t, view.Subjects, 1)
	row := view.Subjects[0]
	assert.Equal(t, []int{3}, row.FreeNumbers)
	assert.Equal(t, planner.Span{SpanCount: 2, Role: planner.RoleUnifiedDouble, SequenceIndex: 0}, row.Spans["u"])

	slot, err := svc.ResolveSlot(context.Background(), testScope, 1, "math", 2)
	require.NoError(t, err)
	assert.Nil(t, slot.Lesson)
	require.NotNil(t, slot.CoveredBy)
	assert.Equal(t, "u", *slot.CoveredBy)

	_, err = svc.ResolveSlot(context.Background(), testScope, 1, "math", 5)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrInvalidSlot.Code))

	span, err := svc.ResolveSpan(context.Background(), testScope, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, span.SpanCount)

	avail, err := svc.Availability(context.Background(), testScope, dto.AvailabilityQuery{Week: 1, SubjectID: "math", From: 1})
	require.NoError(t, err)
	require.NotNil(t, avail.Next)
	assert.Equal(t, 3, *avail.Next)
	assert.Nil(t, avail.Previous)
}

func TestPlannerServiceHiddenSecondIsCoveredByPrimary(t *testing.T) {
	first := plannedLesson("first", 1, 1)
	first.IsDoubleLesson = models.Bool(true)
	first.SecondLessonID = models.String("second")
	repo := &lessonRepoStub{lessons: []models.Lesson{first, plannedLesson("second", 1, 2)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	slot, err := svc.ResolveSlot(context.Background(), testScope, 1, "math", 2)
	require.NoError(t, err)
	require.NotNil(t, slot.Lesson)
	require.NotNil(t, slot.Span)
	assert.Equal(t, 0, slot.Span.SpanCount)
	require.NotNil(t, slot.CoveredBy)
	assert.Equal(t, "first", *slot.CoveredBy)
}

func TestPlannerServiceReloadsAfterTTL(t *testing.T) {
	repo := &lessonRepoStub{}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{CacheTTL: time.Minute}, mathSubject(4))
	current := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	_, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	_, err = svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loads)

	current = current.Add(2 * time.Minute)
	_, err = svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loads)
}

func TestPlannerServiceListLessonsPages(t *testing.T) {
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1), plannedLesson("b", 1, 2), plannedLesson("c", 2, 1)}}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{}, mathSubject(4))

	page, pagination, err := svc.ListLessons(context.Background(), testScope, dto.LessonListQuery{Week: 1, PageSize: 1, Page: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, page[0].WeekNumber)
	assert.Equal(t, models.Pagination{Page: 2, PageSize: 1, TotalCount: 2}, *pagination)

	page, _, err = svc.ListLessons(context.Background(), testScope, dto.LessonListQuery{Page: 5})
	require.NoError(t, err)
	assert.Empty(t, page)

	_, _, err = svc.ListLessons(context.Background(), testScope, dto.LessonListQuery{Week: 99})
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))
}

func newPersistQueue(t *testing.T, svc *PlannerService, retries int) *jobs.Queue {
	t.Helper()
	q := jobs.NewQueue("planner-persist-test", svc.HandlePersistJob, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
		OnFailure:  svc.HandlePersistFailure,
	})
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	svc.UseQueue(q)
	return q
}

func TestPlannerServiceAsyncRetryKeepsBatchOrder(t *testing.T) {
	gate := make(chan struct{})
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1)}, failures: 1, gate: gate}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{PersistMode: config.PersistModeAsync}, mathSubject(4))
	q := newPersistQueue(t, svc, 3)

	_, err := svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 2})
	require.NoError(t, err)
	_, err = svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 3})
	require.NoError(t, err)
	close(gate)
	q.Wait()

	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, 3, lessons[0].LessonNumber)
	assert.Equal(t, 3, repo.storedNumber("a"))
	assert.Len(t, repo.applied, 2)
	assert.Empty(t, svc.Notifications(testScope))
}

func TestPlannerServiceAsyncFailureDiscardsLaterBatches(t *testing.T) {
	gate := make(chan struct{})
	repo := &lessonRepoStub{lessons: []models.Lesson{plannedLesson("a", 1, 1)}, failures: 1, gate: gate}
	svc := newPlannerServiceForTest(t, repo, PlannerConfig{PersistMode: config.PersistModeAsync}, mathSubject(4))
	q := newPersistQueue(t, svc, 0)

	_, err := svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 2})
	require.NoError(t, err)
	_, err = svc.MoveLesson(context.Background(), testScope, "a", dto.PlacementRequest{WeekNumber: 1, SubjectID: "math", LessonNumber: 3})
	require.NoError(t, err)
	close(gate)
	q.Wait()

	assert.Empty(t, repo.applied)
	lessons, err := svc.Lessons(context.Background(), testScope)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, 1, lessons[0].LessonNumber)
	assert.Equal(t, 1, repo.storedNumber("a"))

	notes := svc.Notifications(testScope)
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, "move", n.Command)
		assert.Equal(t, []string{"a"}, n.LessonIDs)
	}
	require.NoError(t, svc.Refresh(context.Background(), testScope))
}
