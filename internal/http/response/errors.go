package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/labflow-backend/internal/jobs/joberr"
)

// StatusFor maps a queue manager error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	kind, ok := joberr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "internal"
	}
	switch kind {
	case joberr.KindLogic:
		return http.StatusBadRequest, string(kind)
	case joberr.KindNotFound:
		return http.StatusNotFound, string(kind)
	case joberr.KindState, joberr.KindDuplicate:
		return http.StatusConflict, string(kind)
	case joberr.KindTransport:
		return http.StatusServiceUnavailable, string(kind)
	}
	return http.StatusInternalServerError, "internal"
}

func RespondQueueError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	RespondError(c, status, code, err)
}
