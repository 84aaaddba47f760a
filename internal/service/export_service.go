package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	"github.com/noah-isme/sma-planner-api/internal/planner"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/export"
)

type lessonSource interface {
	Lessons(ctx context.Context, scope PlannerScope) ([]models.Lesson, error)
}

type exportTopicRepository interface {
	ListByClass(ctx context.Context, classID string) ([]models.Topic, error)
}

type datasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

// ExportFile is a rendered export ready for download.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders the lesson plan of a week range as CSV or PDF.
type ExportService struct {
	lessons  lessonSource
	subjects plannerSubjectRepository
	topics   exportTopicRepository
	csv      datasetRenderer
	pdf      datasetRenderer
	logger   *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(lessons lessonSource, subjects plannerSubjectRepository, topics exportTopicRepository, logger *zap.Logger, csv, pdf datasetRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		lessons:  lessons,
		subjects: subjects,
		topics:   topics,
		csv:      csv,
		pdf:      pdf,
		logger:   logger,
	}
}

var exportHeaders = []string{"Week", "Subject", "Lesson", "Topic", "Name", "Double", "Exam", "Half Class", "Notes"}

// Export renders the lessons of weeks query.WeekFrom..query.WeekTo.
func (s *ExportService) Export(ctx context.Context, scope PlannerScope, query dto.ExportQuery) (*ExportFile, error) {
	format := export.Format(strings.ToLower(query.Format))
	if format == "" {
		format = export.FormatCSV
	}
	from, to := query.WeekFrom, query.WeekTo
	if from == 0 {
		from = 1
	}
	if to == 0 {
		to = planner.MaxWeek
	}
	if from > to {
		return nil, appErrors.Clone(appErrors.ErrValidation, "weekFrom must not be after weekTo")
	}

	dataset, err := s.buildDataset(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}

	var body []byte
	switch format {
	case export.FormatCSV:
		body, err = s.csv.Render(dataset)
	case export.FormatPDF:
		body, err = s.pdf.Render(dataset)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %s", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	s.logger.Info("lesson plan exported",
		zap.String("class_id", scope.ClassID),
		zap.Int("school_year", scope.SchoolYear),
		zap.String("format", string(format)),
		zap.Int("rows", len(dataset.Rows)),
	)
	return &ExportFile{
		Filename:    fmt.Sprintf("lessons_%s_%d_w%02d-w%02d.%s", sanitizeFilename(scope.ClassID), scope.SchoolYear, from, to, format),
		ContentType: format.ContentType(),
		Body:        body,
	}, nil
}

func (s *ExportService) buildDataset(ctx context.Context, scope PlannerScope, from, to int) (export.Dataset, error) {
	lessons, err := s.lessons.Lessons(ctx, scope)
	if err != nil {
		return export.Dataset{}, err
	}
	subjects, err := s.subjects.ListByClass(ctx, scope.ClassID)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subjects")
	}
	topics, err := s.topics.ListByClass(ctx, scope.ClassID)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load topics")
	}

	subjectNames := make(map[string]string, len(subjects))
	for _, sub := range subjects {
		subjectNames[sub.ID] = sub.Name
	}
	topicNames := make(map[string]string, len(topics))
	for _, t := range topics {
		topicNames[t.ID] = t.Name
	}

	rows := make([]map[string]string, 0, len(lessons))
	for _, l := range lessons {
		if l.WeekNumber < from || l.WeekNumber > to {
			continue
		}
		topic := ""
		if l.TopicID != nil {
			topic = topicNames[*l.TopicID]
		}
		rows = append(rows, map[string]string{
			"Week":       fmt.Sprintf("%d", l.WeekNumber),
			"Subject":    subjectNames[l.SubjectID],
			"Lesson":     fmt.Sprintf("%d", l.LessonNumber),
			"Topic":      topic,
			"Name":       l.Name,
			"Double":     doubleLabel(l),
			"Exam":       yesNo(l.IsExam),
			"Half Class": yesNo(l.IsHalfClass),
			"Notes":      l.Notes,
		})
	}

	return export.Dataset{
		Title:   fmt.Sprintf("Lesson plan %s %d, weeks %d-%d", scope.ClassID, scope.SchoolYear, from, to),
		Headers: exportHeaders,
		Rows:    rows,
	}, nil
}

func doubleLabel(l models.Lesson) string {
	switch planner.PairingOf(l).Kind {
	case planner.PairingExplicit:
		return "linked"
	case planner.PairingUnified:
		return "unified"
	default:
		return ""
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
