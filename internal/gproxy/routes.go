package gproxy

import "github.com/gin-gonic/gin"

// MountResourceRoutes registers the /google/* proxy endpoints behind the
// supplied guards (access gate, rate limiter).
func MountResourceRoutes(router gin.IRouter, proxy *Proxy, guards ...gin.HandlerFunc) {
	group := router.Group("/google")
	for _, guard := range guards {
		group.Use(guard)
	}

	group.GET("/drive/me", proxy.HandleDriveAbout())
	group.GET("/drive/files", proxy.HandleDriveFiles())
	group.GET("/docs/:document_id", proxy.HandleDocsGet())
	group.GET("/sheets/:spreadsheet_id", proxy.HandleSheetsGet())
	group.GET("/slides/:presentation_id", proxy.HandleSlidesGet())
}
