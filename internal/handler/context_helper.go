package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-planner-api/internal/middleware"
	"github.com/noah-isme/sma-planner-api/internal/service"
	appErrors "github.com/noah-isme/sma-planner-api/pkg/errors"
	"github.com/noah-isme/sma-planner-api/pkg/response"
)

func ownerID(c *gin.Context) string {
	if claims := middleware.Claims(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// plannerScope reads the class and school year of the route. It writes the error
// response itself and reports false when the path is invalid.
func plannerScope(c *gin.Context) (service.PlannerScope, bool) {
	owner := ownerID(c)
	if owner == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return service.PlannerScope{}, false
	}
	classID := strings.TrimSpace(c.Param("classId"))
	if classID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "classId is required"))
		return service.PlannerScope{}, false
	}
	year, ok := intParam(c, "year")
	if !ok {
		return service.PlannerScope{}, false
	}
	return service.PlannerScope{OwnerID: owner, ClassID: classID, SchoolYear: year}, true
}

func intParam(c *gin.Context, name string) (int, bool) {
	value, err := strconv.Atoi(c.Param(name))
	if err != nil || value < 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s must be a positive number", name)))
		return 0, false
	}
	return value, true
}
