package gproxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/slides/v1"
)

// HandleSlidesGet fetches a Slides presentation by id.
func (proxy *Proxy) HandleSlidesGet() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID, ok := requiredUserID(contextGin)
		if !ok {
			return
		}
		presentationID := contextGin.Param("presentation_id")
		if presentationID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "presentation_id_required"})
			return
		}
		options, tokenErr := proxy.clientOptions(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			proxy.abortWithTokenError(contextGin, tokenErr)
			return
		}
		service, serviceErr := slides.NewService(contextGin.Request.Context(), options...)
		if serviceErr != nil {
			proxy.abortWithGoogleError(contextGin, "slides.get", serviceErr)
			return
		}
		presentation, getErr := service.Presentations.Get(presentationID).Context(contextGin.Request.Context()).Do()
		if getErr != nil {
			proxy.abortWithGoogleError(contextGin, "slides.get", getErr)
			return
		}
		contextGin.JSON(http.StatusOK, presentation)
	}
}
