package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-planner-api/internal/dto"
	"github.com/noah-isme/sma-planner-api/internal/models"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/export"
)

type lessonSourceStub struct {
	lessons []models.Lesson
}

func (s lessonSourceStub) Lessons(ctx context.Context, scope PlannerScope) ([]models.Lesson, error) {
	return s.lessons, nil
}

func newExportServiceForTest() *ExportService {
	first := plannedLesson("a", 1, 1)
	first.Name = "Brüche erweitern"
	first.TopicID = models.String("topic-math")
	first.IsDoubleLesson = models.Bool(true)
	late := plannedLesson("b", 10, 2)
	late.Name = "Klassenarbeit"
	late.IsExam = true

	topics := topicRepoStub{topics: map[string]models.Topic{"topic-math": {ID: "topic-math", Name: "Bruchrechnung", SubjectID: "math"}}}
	return NewExportService(lessonSourceStub{lessons: []models.Lesson{first, late}}, subjectRepoStub{subjects: []models.Subject{mathSubject(4)}}, topics, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
}

func TestExportServiceCSV(t *testing.T) {
	svc := newExportServiceForTest()

	file, err := svc.Export(context.Background(), testScope, dto.ExportQuery{WeekFrom: 1, WeekTo: 5})
	require.NoError(t, err)
	assert.Equal(t, "lessons_class-1_2024_w01-w05.csv", file.Filename)
	assert.Equal(t, export.FormatCSV.ContentType(), file.ContentType)

	body := string(file.Body)
	assert.True(t, strings.HasPrefix(body, "Week,Subject,Lesson,Topic,Name,Double,Exam,Half Class,Notes\n"))
	assert.Contains(t, body, "1,Mathematik,1,Bruchrechnung,Brüche erweitern,unified,no,no,")
	assert.NotContains(t, body, "Klassenarbeit")
}

func TestExportServicePDF(t *testing.T) {
	svc := newExportServiceForTest()

	file, err := svc.Export(context.Background(), testScope, dto.ExportQuery{Format: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, strings.HasSuffix(file.Filename, "_w01-w53.pdf"))
	require.Greater(t, len(file.Body), 0)
	assert.Equal(t, "%PDF", string(file.Body[:4]))
}

func TestExportServiceRejectsInvertedRange(t *testing.T) {
	svc := newExportServiceForTest()

	_, err := svc.Export(context.Background(), testScope, dto.ExportQuery{WeekFrom: 9, WeekTo: 3})
	require.Error(t, err)
	assert.True(t, appErrors.IsCode(err, appErrors.ErrValidation.Code))
}
