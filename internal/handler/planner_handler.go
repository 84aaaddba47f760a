package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	"github.com/noah-isme/sma-planner-api/internal/planner"
	"github.com/noah-isme/sma-planner-api/internal/service"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/response"
)

type plannerService interface {
	ListLessons(ctx context.Context, scope service.PlannerScope, query dto.LessonListQuery) ([]models.Lesson, *models.Pagination, error)
	ResolveSlot(ctx context.Context, scope service.PlannerScope, week int, subjectID string, lessonNumber int) (*service.SlotView, error)
	ResolveSpan(ctx context.Context, scope service.PlannerScope, lessonID string) (planner.Span, error)
	ResolveBlocks(ctx context.Context, scope service.PlannerScope, week int, subjectID string) ([]planner.Block, error)
	WeekView(ctx context.Context, scope service.PlannerScope, week int) (*service.WeekView, error)
	Availability(ctx context.Context, scope service.PlannerScope, query dto.AvailabilityQuery) (*dto.AvailabilityResponse, error)
	Notifications(scope service.PlannerScope) []models.PlannerNotification
	Refresh(ctx context.Context, scope service.PlannerScope) error

	CreateLesson(ctx context.Context, scope service.PlannerScope, req dto.CreateLessonRequest) (*service.CommandResult, error)
	EditLesson(ctx context.Context, scope service.PlannerScope, lessonID string, req dto.UpdateLessonRequest) (*service.CommandResult, error)
	MoveLesson(ctx context.Context, scope service.PlannerScope, lessonID string, req dto.PlacementRequest) (*service.CommandResult, error)
	CopyLesson(ctx context.Context, scope service.PlannerScope, lessonID string, req dto.PlacementRequest) (*service.CommandResult, error)
	DuplicateLesson(ctx context.Context, scope service.PlannerScope, lessonID string, req dto.DuplicateLessonRequest) (*service.CommandResult, error)
	DeleteLesson(ctx context.Context, scope service.PlannerScope, lessonID string) (*service.CommandResult, error)
	SetDoubleLesson(ctx context.Context, scope service.PlannerScope, lessonID string, req dto.DoubleLessonRequest) (*service.CommandResult, error)
	AssignTopic(ctx context.Context, scope service.PlannerScope, req dto.AssignTopicRequest) (*service.CommandResult, error)
	GenerateLessons(ctx context.Context, scope service.PlannerScope, req dto.GenerateLessonsRequest) (*service.CommandResult, error)
}

type plannerExporter interface {
	Export(ctx context.Context, scope service.PlannerScope, query dto.ExportQuery) (*service.ExportFile, error)
}

// PlannerHandler exposes the yearly lesson grid of a class.
type PlannerHandler struct {
	service  plannerService
	exporter plannerExporter
}

// NewPlannerHandler constructs the handler.
func NewPlannerHandler(service plannerService, exporter plannerExporter) *PlannerHandler {
	return &PlannerHandler{service: service, exporter: exporter}
}

// Register mounts the planner routes on a /planner/classes/:classId/years/:year group.
func (h *PlannerHandler) Register(group *gin.RouterGroup) {
	group.GET("/lessons", h.ListLessons)
	group.POST("/lessons", h.CreateLesson)
	group.PATCH("/lessons/:lessonId", h.EditLesson)
	group.DELETE("/lessons/:lessonId", h.DeleteLesson)
	group.GET("/lessons/:lessonId/span", h.ResolveSpan)
	group.POST("/lessons/:lessonId/move", h.MoveLesson)
	group.POST("/lessons/:lessonId/copy", h.CopyLesson)
	group.POST("/lessons/:lessonId/duplicate", h.DuplicateLesson)
	group.POST("/lessons/:lessonId/double", h.SetDoubleLesson)
	group.GET("/slots/:week/:subjectId/:lessonNumber", h.ResolveSlot)
	group.GET("/weeks/:week", h.WeekView)
	group.GET("/weeks/:week/subjects/:subjectId/blocks", h.ResolveBlocks)
	group.GET("/availability", h.Availability)
	group.POST("/topics/assign", h.AssignTopic)
	group.POST("/generate", h.Generate)
	group.GET("/export", h.Export)
	group.GET("/notifications", h.Notifications)
	group.POST("/refresh", h.Refresh)
}

// ListLessons godoc
// @Summary List planned lessons of a class and school year
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param week query int false "Week number"
// @Param subjectId query string false "Subject ID"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons [get]
func (h *PlannerHandler) ListLessons(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var query dto.LessonListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid lesson query"))
		return
	}
	lessons, pagination, err := h.service.ListLessons(c.Request.Context(), scope, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, lessons, pagination)
}

// ResolveSlot godoc
// @Summary Describe a grid cell
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param week path int true "Week number"
// @Param subjectId path string true "Subject ID"
// @Param lessonNumber path int true "Lesson number"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/slots/{week}/{subjectId}/{lessonNumber} [get]
func (h *PlannerHandler) ResolveSlot(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	week, ok := intParam(c, "week")
	if !ok {
		return
	}
	number, ok := intParam(c, "lessonNumber")
	if !ok {
		return
	}
	view, err := h.service.ResolveSlot(c.Request.Context(), scope, week, c.Param("subjectId"), number)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// ResolveSpan godoc
// @Summary Number of periods a lesson takes up
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId}/span [get]
func (h *PlannerHandler) ResolveSpan(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	span, err := h.service.ResolveSpan(c.Request.Context(), scope, c.Param("lessonId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, span, nil)
}

// ResolveBlocks godoc
// @Summary Topic blocks of a subject in a week
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param week path int true "Week number"
// @Param subjectId path string true "Subject ID"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/weeks/{week}/subjects/{subjectId}/blocks [get]
func (h *PlannerHandler) ResolveBlocks(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	week, ok := intParam(c, "week")
	if !ok {
		return
	}
	blocks, err := h.service.ResolveBlocks(c.Request.Context(), scope, week, c.Param("subjectId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, blocks, nil)
}

// WeekView godoc
// @Summary Week grid with lessons, spans, blocks and free numbers per subject
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param week path int true "Week number"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/weeks/{week} [get]
func (h *PlannerHandler) WeekView(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	week, ok := intParam(c, "week")
	if !ok {
		return
	}
	view, err := h.service.WeekView(c.Request.Context(), scope, week)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Availability godoc
// @Summary Nearest free lesson numbers around a position
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param week query int true "Week number"
// @Param subjectId query string true "Subject ID"
// @Param from query int false "Lesson number to search from"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/availability [get]
func (h *PlannerHandler) Availability(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var query dto.AvailabilityQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid availability query"))
		return
	}
	resp, err := h.service.Availability(c.Request.Context(), scope, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

// CreateLesson godoc
// @Summary Plan a lesson in an empty cell
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param payload body dto.CreateLessonRequest true "Lesson payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons [post]
func (h *PlannerHandler) CreateLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.CreateLessonRequest
	if !bindJSON(c, &req, "invalid lesson payload") {
		return
	}
	res, err := h.service.CreateLesson(c.Request.Context(), scope, req)
	respondCommand(c, res, err, true)
}

// EditLesson godoc
// @Summary Change lesson content
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.UpdateLessonRequest true "Lesson changes"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId} [patch]
func (h *PlannerHandler) EditLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.UpdateLessonRequest
	if !bindJSON(c, &req, "invalid lesson payload") {
		return
	}
	res, err := h.service.EditLesson(c.Request.Context(), scope, c.Param("lessonId"), req)
	respondCommand(c, res, err, false)
}

// MoveLesson godoc
// @Summary Move a lesson to another cell
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.PlacementRequest true "Target cell"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId}/move [post]
func (h *PlannerHandler) MoveLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.PlacementRequest
	if !bindJSON(c, &req, "invalid placement") {
		return
	}
	res, err := h.service.MoveLesson(c.Request.Context(), scope, c.Param("lessonId"), req)
	respondCommand(c, res, err, false)
}

// CopyLesson godoc
// @Summary Copy a lesson into another cell
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.PlacementRequest true "Target cell"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId}/copy [post]
func (h *PlannerHandler) CopyLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.PlacementRequest
	if !bindJSON(c, &req, "invalid placement") {
		return
	}
	res, err := h.service.CopyLesson(c.Request.Context(), scope, c.Param("lessonId"), req)
	respondCommand(c, res, err, true)
}

// DuplicateLesson godoc
// @Summary Copy a lesson to the nearest free lesson number
// @Description Responds 200 with meta.status=no_free_slot when the week has no free number in that direction.
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.DuplicateLessonRequest true "Search direction"
// @Success 201 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId}/duplicate [post]
func (h *PlannerHandler) DuplicateLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.DuplicateLessonRequest
	if !bindJSON(c, &req, "invalid duplicate request") {
		return
	}
	res, err := h.service.DuplicateLesson(c.Request.Context(), scope, c.Param("lessonId"), req)
	respondCommand(c, res, err, true)
}

// DeleteLesson godoc
// @Summary Delete a lesson
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId} [delete]
func (h *PlannerHandler) DeleteLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	res, err := h.service.DeleteLesson(c.Request.Context(), scope, c.Param("lessonId"))
	respondCommand(c, res, err, false)
}

// SetDoubleLesson godoc
// @Summary Turn a lesson into a double lesson or back
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param lessonId path string true "Lesson ID"
// @Param payload body dto.DoubleLessonRequest true "Double lesson state"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/lessons/{lessonId}/double [post]
func (h *PlannerHandler) SetDoubleLesson(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.DoubleLessonRequest
	if !bindJSON(c, &req, "invalid double lesson request") {
		return
	}
	res, err := h.service.SetDoubleLesson(c.Request.Context(), scope, c.Param("lessonId"), req)
	respondCommand(c, res, err, false)
}

// AssignTopic godoc
// @Summary Set or clear the topic of lessons
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param payload body dto.AssignTopicRequest true "Topic assignment"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/topics/assign [post]
func (h *PlannerHandler) AssignTopic(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.AssignTopicRequest
	if !bindJSON(c, &req, "invalid topic assignment") {
		return
	}
	res, err := h.service.AssignTopic(c.Request.Context(), scope, req)
	respondCommand(c, res, err, false)
}

// Generate godoc
// @Summary Create empty lessons on every free cell of a week range
// @Tags Planner
// @Accept json
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param payload body dto.GenerateLessonsRequest true "Week range"
// @Success 201 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/generate [post]
func (h *PlannerHandler) Generate(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var req dto.GenerateLessonsRequest
	if !bindJSON(c, &req, "invalid generate request") {
		return
	}
	res, err := h.service.GenerateLessons(c.Request.Context(), scope, req)
	respondCommand(c, res, err, true)
}

// Export godoc
// @Summary Download the lesson plan of a week range
// @Tags Planner
// @Produce text/csv
// @Produce application/pdf
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Param format query string false "csv or pdf"
// @Param weekFrom query int false "First week"
// @Param weekTo query int false "Last week"
// @Success 200 {file} file
// @Router /planner/classes/{classId}/years/{year}/export [get]
func (h *PlannerHandler) Export(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export query"))
		return
	}
	file, err := h.exporter.Export(c.Request.Context(), scope, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Body)
}

// Notifications godoc
// @Summary Failed background saves that were undone
// @Tags Planner
// @Produce json
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Success 200 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/notifications [get]
func (h *PlannerHandler) Notifications(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	response.JSON(c, http.StatusOK, h.service.Notifications(scope), nil)
}

// Refresh godoc
// @Summary Reload the lesson plan from the database
// @Tags Planner
// @Param classId path string true "Class ID"
// @Param year path int true "School year"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /planner/classes/{classId}/years/{year}/refresh [post]
func (h *PlannerHandler) Refresh(c *gin.Context) {
	scope, ok := plannerScope(c)
	if !ok {
		return
	}
	if err := h.service.Refresh(c.Request.Context(), scope); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func bindJSON(c *gin.Context, dest interface{}, message string) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message))
		return false
	}
	return true
}

// respondCommand renders a command result. Applied commands that create lessons answer
// 201; soft outcomes answer 200 with meta.status.
func respondCommand(c *gin.Context, res *service.CommandResult, err error, creates bool) {
	if err != nil {
		response.Error(c, err)
		return
	}
	if res.Status == planner.StatusApplied && creates {
		response.JSON(c, http.StatusCreated, res, nil, map[string]interface{}{"status": string(res.Status)})
		return
	}
	response.WithStatus(c, res, string(res.Status))
}
