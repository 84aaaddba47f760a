package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/response"
)

type templateService interface {
	Get(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error)
	Put(ctx context.Context, ownerID string, req dto.ScheduleTemplateRequest) (*models.ScheduleTemplate, error)
}

// TemplateHandler exposes the weekly timetable of the current teacher.
type TemplateHandler struct {
	service templateService
}

// NewTemplateHandler constructs the handler.
func NewTemplateHandler(service templateService) *TemplateHandler {
	return &TemplateHandler{service: service}
}

// Get godoc
// @Summary Get the weekly timetable template
// @Tags Template
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /planner/template [get]
func (h *TemplateHandler) Get(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	tpl, err := h.service.Get(c.Request.Context(), owner)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tpl, nil)
}

// Put godoc
// @Summary Replace the weekly timetable template
// @Tags Template
// @Accept json
// @Produce json
// @Param payload body dto.ScheduleTemplateRequest true "Timetable"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /planner/template [put]
func (h *TemplateHandler) Put(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ScheduleTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid schedule template payload"))
		return
	}
	tpl, err := h.service.Put(c.Request.Context(), owner, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tpl, nil)
}
