package gproxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/docs/v1"
)

// HandleDocsGet fetches a Docs document by id.
func (proxy *Proxy) HandleDocsGet() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID, ok := requiredUserID(contextGin)
		if !ok {
			return
		}
		documentID := contextGin.Param("document_id")
		if documentID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "document_id_required"})
			return
		}
		options, tokenErr := proxy.clientOptions(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			proxy.abortWithTokenError(contextGin, tokenErr)
			return
		}
		service, serviceErr := docs.NewService(contextGin.Request.Context(), options...)
		if serviceErr != nil {
			proxy.abortWithGoogleError(contextGin, "docs.get", serviceErr)
			return
		}
		document, getErr := service.Documents.Get(documentID).Context(contextGin.Request.Context()).Do()
		if getErr != nil {
			proxy.abortWithGoogleError(contextGin, "docs.get", getErr)
			return
		}
		contextGin.JSON(http.StatusOK, document)
	}
}
