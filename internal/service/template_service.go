package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
)

type scheduleTemplateRepository interface {
	FindByOwner(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error)
	Upsert(ctx context.Context, tpl *models.ScheduleTemplate) error
}

// TemplateService manages the weekly timetable template of each teacher.
type TemplateService struct {
	repo        scheduleTemplateRepository
	cache       *CacheService
	validator   *validator.Validate
	logger      *zap.Logger
	defaultMode models.ScheduleMode
	ttl         time.Duration
}

// NewTemplateService builds the service. defaultMode applies to owners without a saved template.
func NewTemplateService(repo scheduleTemplateRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger, defaultMode models.ScheduleMode, ttl time.Duration) *TemplateService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMode != models.ScheduleModeFixed {
		defaultMode = models.ScheduleModeFlexible
	}
	return &TemplateService{repo: repo, cache: cache, validator: validate, logger: logger, defaultMode: defaultMode, ttl: ttl}
}

func templateCacheKey(ownerID string) string {
	return fmt.Sprintf("planner:template:%s", ownerID)
}

// Get returns the owner's template, or an empty one in the default mode when none was saved.
func (s *TemplateService) Get(ctx context.Context, ownerID string) (*models.ScheduleTemplate, error) {
	var cached models.ScheduleTemplate
	if s.cache.Get(ctx, templateCacheKey(ownerID), &cached) {
		return &cached, nil
	}

	tpl, err := s.repo.FindByOwner(ctx, ownerID)
	if err != nil {
		if isNoRows(err) {
			return &models.ScheduleTemplate{OwnerID: ownerID, Mode: s.defaultMode, Slots: models.WeeklySlots{}}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule template")
	}
	s.cache.Set(ctx, templateCacheKey(ownerID), tpl, s.ttl)
	return tpl, nil
}

// Put replaces the owner's template.
func (s *TemplateService) Put(ctx context.Context, ownerID string, req dto.ScheduleTemplateRequest) (*models.ScheduleTemplate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid schedule template payload")
	}

	slots := models.WeeklySlots{}
	for rawDay, entries := range req.Slots {
		day := models.Weekday(strings.ToLower(rawDay))
		taken := map[string]bool{}
		for _, e := range entries {
			key := fmt.Sprintf("%s/%d", e.ClassID, e.Period)
			if taken[key] {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("period %d on %s is assigned twice for class %s", e.Period, day, e.ClassID))
			}
			taken[key] = true
			slots[day] = append(slots[day], models.TemplateEntry{
				Period:  e.Period,
				Subject: strings.TrimSpace(e.Subject),
				ClassID: e.ClassID,
			})
		}
	}

	tpl := &models.ScheduleTemplate{OwnerID: ownerID, Mode: models.ScheduleMode(req.Mode), Slots: slots}
	if current, err := s.repo.FindByOwner(ctx, ownerID); err == nil {
		tpl.ID = current.ID
		tpl.CreatedAt = current.CreatedAt
	}
	if err := s.repo.Upsert(ctx, tpl); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save schedule template")
	}
	s.cache.Set(ctx, templateCacheKey(ownerID), tpl, s.ttl)
	s.logger.Info("schedule template saved", zap.String("owner_id", ownerID), zap.String("mode", req.Mode))
	return tpl, nil
}
