package httpapi

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/errors"
	"github.com/lugh-dev/lugh/internal/common/logger"
)

// respondError writes the JSON error for a failed service call. AppErrors
// carry their own status and code; bare sentinel errors whose text says
// "not found" map to 404 (the stores all follow that convention); anything
// else is logged and hidden behind the fallback message.
func respondError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	if isNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
