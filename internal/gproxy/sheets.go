package gproxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/sheets/v4"
)

// HandleSheetsGet fetches spreadsheet metadata; with a range query it returns
// the cell values for that range instead.
func (proxy *Proxy) HandleSheetsGet() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userID, ok := requiredUserID(contextGin)
		if !ok {
			return
		}
		spreadsheetID := contextGin.Param("spreadsheet_id")
		if spreadsheetID == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "spreadsheet_id_required"})
			return
		}
		options, tokenErr := proxy.clientOptions(contextGin.Request.Context(), userID)
		if tokenErr != nil {
			proxy.abortWithTokenError(contextGin, tokenErr)
			return
		}
		service, serviceErr := sheets.NewService(contextGin.Request.Context(), options...)
		if serviceErr != nil {
			proxy.abortWithGoogleError(contextGin, "sheets.get", serviceErr)
			return
		}

		if valueRange := contextGin.Query("range"); valueRange != "" {
			values, valuesErr := service.Spreadsheets.Values.Get(spreadsheetID, valueRange).Context(contextGin.Request.Context()).Do()
			if valuesErr != nil {
				proxy.abortWithGoogleError(contextGin, "sheets.values", valuesErr)
				return
			}
			contextGin.JSON(http.StatusOK, values)
			return
		}

		spreadsheet, getErr := service.Spreadsheets.Get(spreadsheetID).Context(contextGin.Request.Context()).Do()
		if getErr != nil {
			proxy.abortWithGoogleError(contextGin, "sheets.get", getErr)
			return
		}
		contextGin.JSON(http.StatusOK, spreadsheet)
	}
}
