package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"dss/internal/server/database"
	"dss/internal/server/service"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"
)

// statusClientClosedRequest is nginx's code for a client that disconnected
// before the response was written.
const statusClientClosedRequest = 499

// cacheForever is sent with public objects whose content type is cacheable.
const cacheForever = "max-age=31536000"

// Handler contains the HTTP handlers for the storage API.
type Handler struct {
	svc           *service.Service
	maxUploadSize int64
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.Service, maxUploadSize int64) *Handler {
	return &Handler{svc: svc, maxUploadSize: maxUploadSize}
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.svc.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleNamespace handles GET /api/v2/namespace.
func (h *Handler) HandleNamespace(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"namespace": tokenFrom(c).Namespace})
}

// HandleUploadFile handles POST /api/v2/files.
func (h *Handler) HandleUploadFile(c echo.Context) error {
	return h.upload(c, service.UploadFile)
}

// HandleUploadImage handles POST /api/v2/images.
func (h *Handler) HandleUploadImage(c echo.Context) error {
	return h.upload(c, service.UploadImage)
}

// HandleCheckFile handles POST /api/v2/files/check.
func (h *Handler) HandleCheckFile(c echo.Context) error {
	return h.check(c, service.UploadFile)
}

// HandleCheckImage handles POST /api/v2/images/check.
func (h *Handler) HandleCheckImage(c echo.Context) error {
	return h.check(c, service.UploadImage)
}

// readUpload reads a multipart form with a "file" part and an optional JSON
// "attributes" part.
func (h *Handler) readUpload(c echo.Context, kind service.UploadKind) (service.UploadRequest, error) {
	token := tokenFrom(c)
	req := service.UploadRequest{
		Kind:      kind,
		Namespace: token.Namespace,
		TokenID:   token.ID,
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return req, fmt.Errorf("%w: file is required", service.ErrBadRequest)
	}
	if fileHeader.Size > h.maxUploadSize {
		return req, errTooLarge
	}

	if raw := c.FormValue("attributes"); raw != "" {
		var attrs uploadAttributes
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return req, fmt.Errorf("%w: malformed attributes: %v", service.ErrBadRequest, err)
		}
		req.SkipOptimizations = attrs.SkipOptimizations
		req.Folder = attrs.Folder
		req.File = attrs.File
	}

	req.MimeType = fileHeader.Header.Get(echo.HeaderContentType)
	if mt, _, err := mime.ParseMediaType(req.MimeType); err == nil {
		req.MimeType = mt
	}

	src, err := fileHeader.Open()
	if err != nil {
		return req, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	req.Data, err = io.ReadAll(io.LimitReader(src, h.maxUploadSize+1))
	if err != nil {
		return req, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	if int64(len(req.Data)) > h.maxUploadSize {
		return req, errTooLarge
	}
	return req, nil
}

func (h *Handler) upload(c echo.Context, kind service.UploadKind) error {
	req, err := h.readUpload(c, kind)
	if err != nil {
		return mapServiceError(c, err)
	}

	result, err := h.svc.Uploader.Upload(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, newUploadResponse(result))
}

func (h *Handler) check(c echo.Context, kind service.UploadKind) error {
	req, err := h.readUpload(c, kind)
	if err != nil {
		return mapServiceError(c, err)
	}

	existing, err := h.svc.Uploader.Check(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	if existing == nil {
		return c.JSON(http.StatusOK, checkResponse{Exists: false})
	}
	info := newBlobInfo(existing)
	return c.JSON(http.StatusOK, checkResponse{Exists: true, Info: &info})
}

// HandleCreateFileLink handles PUT /api/v2/files/links.
func (h *Handler) HandleCreateFileLink(c echo.Context) error {
	return h.createLink(c, database.BlobKindFile)
}

// HandleCreateImageLink handles PUT /api/v2/images/links.
func (h *Handler) HandleCreateImageLink(c echo.Context) error {
	return h.createLink(c, database.BlobKindImage)
}

func (h *Handler) createLink(c echo.Context, kind database.BlobKind) error {
	var body createLinkRequest
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	token := tokenFrom(c)
	link, replaced, err := h.svc.CreateLink(c.Request().Context(), service.LinkTarget{
		Namespace: token.Namespace,
		CreatedBy: token.ID,
		Folder:    body.Folder,
		File:      body.File,
		BlobID:    body.BlobID,
		Kind:      kind,
	})
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, createLinkResponse{Link: newLinkInfo(link), Replaced: replaced})
}

// HandleDeleteLink handles DELETE /api/v2/files/links and
// DELETE /api/v2/images/links.
func (h *Handler) HandleDeleteLink(c echo.Context) error {
	var body deleteLinkRequest
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.svc.DeleteLink(c.Request().Context(), tokenFrom(c).Namespace, body.Folder, body.File); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListFileLinks handles GET /api/v2/files/links.
func (h *Handler) HandleListFileLinks(c echo.Context) error {
	return h.listLinks(c, database.BlobKindFile)
}

// HandleListImageLinks handles GET /api/v2/images/links.
func (h *Handler) HandleListImageLinks(c echo.Context) error {
	return h.listLinks(c, database.BlobKindImage)
}

func (h *Handler) listLinks(c echo.Context, kind database.BlobKind) error {
	links, err := h.svc.ListLinks(c.Request().Context(), tokenFrom(c).Namespace, kind)
	if err != nil {
		return mapServiceError(c, err)
	}
	out := make([]linkInfo, 0, len(links))
	for i := range links {
		out = append(out, newLinkInfo(&links[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func blobIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed image id", service.ErrNotFound)
	}
	return id, nil
}

// HandleAllowCrops handles POST /api/v2/images/:id/allowed-crops.
// Adds to the existing whitelist.
func (h *Handler) HandleAllowCrops(c echo.Context) error {
	id, err := blobIDParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	var body cropsPayload
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.svc.AllowCrops(c.Request().Context(), tokenFrom(c).Namespace, id, body.Crops); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleReplaceCrops handles PUT /api/v2/images/:id/allowed-crops.
// The body becomes the complete whitelist.
func (h *Handler) HandleReplaceCrops(c echo.Context) error {
	id, err := blobIDParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	var body cropsPayload
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.svc.ReplaceCrops(c.Request().Context(), tokenFrom(c).Namespace, id, body.Crops); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRemoveCrop handles DELETE /api/v2/images/:id/allowed-crops.
func (h *Handler) HandleRemoveCrop(c echo.Context) error {
	id, err := blobIDParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}
	var region database.Region
	if err := c.Bind(&region); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := h.svc.RemoveCrop(c.Request().Context(), tokenFrom(c).Namespace, id, region); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleListCrops handles GET /api/v2/images/:id/allowed-crops.
func (h *Handler) HandleListCrops(c echo.Context) error {
	id, err := blobIDParam(c)
	if err != nil {
		return mapServiceError(c, err)
	}

	allowed, err := h.svc.ListCrops(c.Request().Context(), tokenFrom(c).Namespace, id)
	if err != nil {
		return mapServiceError(c, err)
	}
	out := cropsPayload{Crops: make([]database.Region, 0, len(allowed))}
	for _, a := range allowed {
		out.Crops = append(out.Crops, a.Region)
	}
	return c.JSON(http.StatusOK, out)
}

// HandleFetch handles GET /:namespace/*.
// Serves a linked object, transformed when crop or size parameters are set.
func (h *Handler) HandleFetch(c echo.Context) error {
	path := strings.Trim(c.Param("*"), "/")
	folder, file := "", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		folder, file = path[:i], path[i+1:]
	}

	req := service.FetchRequest{
		Namespace: c.Param("namespace"),
		Folder:    folder,
		File:      file,
		Crop:      cropQuery(c),
		Size:      intQuery(c, "size"),
	}

	result, err := h.svc.Fetch(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}

	if isCacheable(result.MimeType) {
		c.Response().Header().Set(echo.HeaderCacheControl, cacheForever)
	}
	return c.Blob(http.StatusOK, result.MimeType, result.Data)
}

// intQuery returns the integer value of a query parameter. Missing and
// non-integer values both count as absent.
func intQuery(c echo.Context, name string) *int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return nil
	}
	return &n
}

// cropQuery returns the requested crop, or nil unless all four crop
// parameters are present.
func cropQuery(c echo.Context) *database.Region {
	x, y := intQuery(c, "crop_x"), intQuery(c, "crop_y")
	w, h := intQuery(c, "crop_width"), intQuery(c, "crop_height")
	if x == nil || y == nil || w == nil || h == nil {
		return nil
	}
	return &database.Region{X: *x, Y: *y, Width: *w, Height: *h}
}

func isCacheable(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "text/css", "text/javascript", "application/javascript":
		return true
	}
	return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "video/")
}

var errTooLarge = errors.New("upload exceeds maximum allowed size")

// mapServiceError translates service-layer errors into HTTP status codes.
// Error responses carry no body.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.NoContent(http.StatusNotFound)
	case errors.Is(err, service.ErrBadRequest):
		slog.Debug("bad request", "path", c.Path(), "error", err)
		return c.NoContent(http.StatusBadRequest)
	case errors.Is(err, service.ErrUnauthorized):
		return c.NoContent(http.StatusUnauthorized)
	case errors.Is(err, errTooLarge):
		return c.NoContent(http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.Canceled):
		slog.Debug("request canceled", "path", c.Request().URL.Path)
		return c.NoContent(statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("request timed out", "method", c.Request().Method, "path", c.Request().URL.Path)
		return c.NoContent(http.StatusServiceUnavailable)
	default:
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
		return c.NoContent(http.StatusInternalServerError)
	}
}
