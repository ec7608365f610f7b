package controller

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vault-ingest/internal/middleware"
	"vault-ingest/internal/model"
	"vault-ingest/internal/vault"
	"vault-ingest/pkg/response"
)

// VaultAPI is the part of the source API client the controller uses.
type VaultAPI interface {
	Authenticate(ctx context.Context, username, password string) (*vault.AuthResponse, error)
	Session(ctx context.Context) (string, error)
	ListFiles(ctx context.Context, sessionID string, q vault.FileQuery) (*vault.FileListing, error)
	Fetch(ctx context.Context, partName, sessionID string) ([]byte, error)
}

// Ingester runs archive parts through the ingestion pipeline.
type Ingester interface {
	Process(ctx context.Context, sessionID, partName string) (*model.RunReport, error)
}

type VaultController struct {
	api      VaultAPI
	ingester Ingester
	logger   *zap.Logger
}

func NewVaultController(api VaultAPI, ingester Ingester, logger *zap.Logger) *VaultController {
	return &VaultController{api: api, ingester: ingester, logger: logger}
}

// RegisterRoutes mounts the vault endpoints on group.
func (vc *VaultController) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/authenticate", vc.Authenticate)
	group.GET("/files", vc.ListFiles)
	group.POST("/process", vc.Process)
	group.GET("/download", vc.Download)
}

// Authenticate godoc
// @Summary Open a source API session
// @Tags vault
// @Accept x-www-form-urlencoded
// @Produce json
// @Param username formData string true "User name"
// @Param password formData string true "Password"
// @Success 200 {object} response.StandardResponse{data=vault.AuthResponse}
// @Failure 400 {object} response.StandardResponse
// @Failure 401 {object} response.StandardResponse
// @Router /api/vault/authenticate [post]
func (vc *VaultController) Authenticate(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)

	var req model.AuthenticateRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ValidationErrorResponse("username and password are required", correlationID))
		return
	}

	auth, err := vc.api.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		vc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse(auth, correlationID))
}

// ListFiles godoc
// @Summary List extract files
// @Description Lists the Direct Data extracts available for a type and time window. Incremental
// extracts require both startTime and stopTime.
// @Tags vault
// @Produce json
// @Param sessionId query string false "Session id; the service session is used when empty"
// @Param extractType query string false "full_directdata, incremental_directdata or log_directdata"
// @Param startTime query string false "Window start"
// @Param stopTime query string false "Window end"
// @Success 200 {object} response.StandardResponse{data=vault.FileListing}
// @Failure 400 {object} response.StandardResponse
// @Router /api/vault/files [get]
func (vc *VaultController) ListFiles(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)

	var req model.ListFilesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ValidationErrorResponse("Invalid query: "+err.Error(), correlationID))
		return
	}
	if req.ExtractType == "" {
		req.ExtractType = vault.ExtractFull
	}

	sessionID, err := vc.session(c.Request.Context(), req.SessionID)
	if err != nil {
		vc.fail(c, err)
		return
	}

	listing, err := vc.api.ListFiles(c.Request.Context(), sessionID, vault.FileQuery{
		ExtractType: req.ExtractType,
		StartTime:   req.StartTime,
		StopTime:    req.StopTime,
	})
	if err != nil {
		vc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse(listing, correlationID))
}

// Process godoc
// @Summary Ingest one archive part
// @Description Downloads the part, extracts it, stores every payload and updates the catalog.
// Per-payload and per-dataset failures are listed in the report.
// @Tags vault
// @Accept x-www-form-urlencoded,json
// @Produce json
// @Param fileName formData string true "Part name, e.g. 56006-20250617-0000-F.001"
// @Param sessionId formData string false "Session id; the service session is used when empty"
// @Success 200 {object} response.StandardResponse{data=model.RunReport}
// @Failure 400 {object} response.StandardResponse
// @Failure 422 {object} response.StandardResponse
// @Failure 502 {object} response.StandardResponse
// @Router /api/vault/process [post]
func (vc *VaultController) Process(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)

	var req model.ProcessRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ValidationErrorResponse("fileName is required", correlationID))
		return
	}

	sessionID, err := vc.session(c.Request.Context(), req.SessionID)
	if err != nil {
		vc.fail(c, err)
		return
	}

	report, err := vc.ingester.Process(c.Request.Context(), sessionID, req.FileName)
	if err != nil {
		vc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.SuccessResponse(report, correlationID))
}

// Download godoc
// @Summary Download one archive part
// @Tags vault
// @Produce application/gzip
// @Param fileName query string true "Part name"
// @Param sessionId query string false "Session id; the service session is used when empty"
// @Success 200 {file} binary
// @Failure 422 {object} response.StandardResponse
// @Failure 502 {object} response.StandardResponse
// @Router /api/vault/download [get]
func (vc *VaultController) Download(c *gin.Context) {
	correlationID := middleware.GetCorrelationID(c)

	var req model.ProcessRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ValidationErrorResponse("fileName is required", correlationID))
		return
	}
	if err := vault.ValidatePartName(req.FileName); err != nil {
		vc.fail(c, err)
		return
	}

	sessionID, err := vc.session(c.Request.Context(), req.SessionID)
	if err != nil {
		vc.fail(c, err)
		return
	}

	data, err := vc.api.Fetch(c.Request.Context(), req.FileName, sessionID)
	if err != nil {
		vc.fail(c, err)
		return
	}
	if err := vault.ValidateArchive(data); err != nil {
		vc.fail(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+vault.ArchiveName(req.FileName)+`"`)
	c.Data(http.StatusOK, "application/gzip", data)
}

func (vc *VaultController) session(ctx context.Context, supplied string) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	return vc.api.Session(ctx)
}

func (vc *VaultController) fail(c *gin.Context, err error) {
	status, body := response.FromError(err, middleware.GetCorrelationID(c))
	if status >= http.StatusInternalServerError {
		vc.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
