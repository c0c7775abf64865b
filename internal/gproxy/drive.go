package gproxy

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/drive/v3"
)

const (
	driveFilesDefaultPageSize = 10
	driveFilesMaxPageSize     = 100
	driveFileListFields       = "nextPageToken,files(id,name,mimeType,modifiedTime,owners,webViewLink)"
)

// HandleDriveAbout returns the Drive profile (about.user) for the subject user.
func (proxy *Proxy) HandleDriveAbout() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID, ok := requiredUserID(contextGin)
		if !ok {
			return
		}
		options, tokenErr := proxy.clientOptions(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			proxy.abortWithTokenError(contextGin, tokenErr)
			return
		}
		service, serviceErr := drive.NewService(contextGin.Request.Context(), options...)
		if serviceErr != nil {
			proxy.abortWithGoogleError(contextGin, "drive.about", serviceErr)
			return
		}
		about, aboutErr := service.About.Get().Fields("user").Context(contextGin.Request.Context()).Do()
		if aboutErr != nil {
			proxy.abortWithGoogleError(contextGin, "drive.about", aboutErr)
			return
		}
		contextGin.JSON(http.StatusOK, about)
	}
}

// HandleDriveFiles lists Drive files with an optional search query.
func (proxy *Proxy) HandleDriveFiles() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID, ok := requiredUserID(contextGin)
		if !ok {
			return
		}
		pageSize := driveFilesDefaultPageSize
		if raw := contextGin.Query("page_size"); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed < 1 || parsed > driveFilesMaxPageSize {
				contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_page_size"})
				return
			}
			pageSize = parsed
		}

		options, tokenErr := proxy.clientOptions(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			proxy.abortWithTokenError(contextGin, tokenErr)
			return
		}
		service, serviceErr := drive.NewService(contextGin.Request.Context(), options...)
		if serviceErr != nil {
			proxy.abortWithGoogleError(contextGin, "drive.files", serviceErr)
			return
		}

		call := service.Files.List().
			PageSize(int64(pageSize)).
			Fields(driveFileListFields).
			Context(contextGin.Request.Context())
		if query := contextGin.Query("q"); query != "" {
			call = call.Q(query)
		}
		if pageToken := contextGin.Query("page_token"); pageToken != "" {
			call = call.PageToken(pageToken)
		}

		fileList, listErr := call.Do()
		if listErr != nil {
			proxy.abortWithGoogleError(contextGin, "drive.files", listErr)
			return
		}
		contextGin.JSON(http.StatusOK, fileList)
	}
}
