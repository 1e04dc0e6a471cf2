package claims

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/claims/internal/platform/auth"
	"github.com/clinic/claims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	// Batches
	g.POST("/batches", h.CreateBatch)
	g.GET("/batches", h.ListBatches)
	g.GET("/batches/:id", h.GetBatch)
	g.GET("/batches/:id/total", h.GetBatchTotal)
	g.POST("/batches/:id/claims", h.AddClaimToBatch)
	g.DELETE("/batches/:id/claims/:claimId", h.RemoveClaimFromBatch)
	g.POST("/batches/:id/ready", h.MarkBatchReady)
	g.POST("/batches/:id/artifact", h.GenerateBatchArtifact)
	g.POST("/batches/:id/submit", h.SubmitBatch)
	g.POST("/batches/:id/processing", h.MarkBatchProcessing)
	g.POST("/batches/:id/response", h.RecordBatchResponse)
	g.POST("/batches/:id/paid", h.MarkBatchPaid)
	g.POST("/batches/:id/reject", h.RejectBatch)

	// Claims
	g.POST("/claims", h.CreateClaim)
	g.GET("/claims/:id", h.GetClaim)
	g.GET("/claims/:id/rejections", h.ListClaimRejections)
	g.POST("/claims/:id/items", h.AddLineItem)
	g.DELETE("/claims/:id/items/:itemId", h.RemoveLineItem)
	g.POST("/claims/:id/send", h.MarkClaimSent)
	g.POST("/claims/:id/approval", h.RecordClaimApproval)
	g.POST("/claims/:id/rejection", h.RecordClaimRejection)
	g.POST("/claims/:id/paid", h.MarkClaimPaid)

	// Rejections and appeals
	g.GET("/rejections/open", h.ListOpenRejections)
	g.GET("/rejections/open/count", h.OpenRejectionCount)
	g.GET("/rejections/:id", h.GetRejection)
	g.POST("/rejections/:id/review", h.BeginRejectionReview)
	g.POST("/rejections/:id/appeals", h.FileAppeal)
	g.POST("/rejections/:id/grant", h.GrantAppeal)
	g.POST("/rejections/:id/deny", h.DenyAppeal)
	g.POST("/rejections/:id/accept", h.AcceptRejection)
}

// httpError maps domain errors onto HTTP statuses: conflicts for concurrency
// and duplicate membership, unprocessable for state machine and financial
// violations, not found and bad request as usual.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicateClaim):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrEmptyClaim),
		errors.Is(err, ErrMissingReason),
		errors.Is(err, ErrMissingArtifact),
		errors.Is(err, ErrNegativeAmount),
		errors.Is(err, ErrAmountExceedsTotal),
		errors.Is(err, ErrInconsistentAmounts),
		errors.Is(err, ErrInvalidGlosaClass):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// revisionParam reads the expected revision stamp from the query string for
// requests without a body.
func revisionParam(c echo.Context) int {
	rev, _ := strconv.Atoi(c.QueryParam("revision"))
	if rev < 0 {
		rev = 0
	}
	return rev
}

// -- Batch handlers --

type createBatchRequest struct {
	ClinicID   uuid.UUID `json:"clinic_id" validate:"required"`
	InsurerID  uuid.UUID `json:"insurer_id" validate:"required"`
	SequenceNo int       `json:"sequence_no" validate:"required,gt=0"`
}

func (h *Handler) CreateBatch(c echo.Context) error {
	var req createBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CreateBatch(c.Request().Context(), req.ClinicID, req.InsurerID, req.SequenceNo)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	if insurer := c.QueryParam("insurer_id"); insurer != "" {
		iid, err := uuid.Parse(insurer)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid insurer_id")
		}
		items, total, err := h.svc.ListBatchesByInsurer(c.Request().Context(), iid, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.ListBatches(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBatchTotal(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	total, err := h.svc.BatchTotal(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"batch_id": id, "total": total})
}

type batchClaimRequest struct {
	ClaimID  uuid.UUID `json:"claim_id" validate:"required"`
	Revision int       `json:"revision"`
}

func (h *Handler) AddClaimToBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req batchClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AddClaimToBatch(c.Request().Context(), id, req.ClaimID, req.Revision); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RemoveClaimFromBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	claimID, err := parseID(c, "claimId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveClaimFromBatch(c.Request().Context(), id, claimID, revisionParam(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type revisionRequest struct {
	Revision int `json:"revision"`
}

func (h *Handler) MarkBatchReady(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.MarkBatchReady(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GenerateBatchArtifact(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	art, err := h.svc.GenerateBatchArtifact(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"artifact_name":   art.Name,
		"artifact_sha256": art.SHA256,
	})
}

type submitBatchRequest struct {
	ProtocolID string `json:"protocol_id"`
	Revision   int    `json:"revision"`
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req submitBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.SubmitBatch(c.Request().Context(), id, req.ProtocolID, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) MarkBatchProcessing(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.MarkBatchProcessing(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type batchResponseRequest struct {
	ApprovedTotal float64 `json:"approved_total" validate:"gte=0"`
	GlosedTotal   float64 `json:"glosed_total" validate:"gte=0"`
	Revision      int     `json:"revision"`
}

func (h *Handler) RecordBatchResponse(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req batchResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.RecordBatchResponse(c.Request().Context(), id, req.ApprovedTotal, req.GlosedTotal, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) MarkBatchPaid(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.MarkBatchPaid(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) RejectBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.RejectBatch(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Claim handlers --

type createClaimRequest struct {
	EpisodeID   uuid.UUID `json:"episode_id" validate:"required"`
	CoverageID  uuid.UUID `json:"coverage_id" validate:"required"`
	Type        string    `json:"type" validate:"required"`
	ServiceDate time.Time `json:"service_date" validate:"required"`
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var req createClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.CreateClaim(c.Request().Context(), CreateClaimInput{
		EpisodeID:   req.EpisodeID,
		CoverageID:  req.CoverageID,
		Type:        ClaimType(req.Type),
		ServiceDate: req.ServiceDate,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	cl, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type addLineItemRequest struct {
	Code        string   `json:"code" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Quantity    int      `json:"quantity" validate:"required,gt=0"`
	UnitPrice   *float64 `json:"unit_price"`
	BillInsurer bool     `json:"bill_insurer"`
	Revision    int      `json:"revision"`
}

func (h *Handler) AddLineItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req addLineItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	li, err := h.svc.AddLineItem(c.Request().Context(), id, LineItemInput{
		Code:        req.Code,
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		BillInsurer: req.BillInsurer,
	}, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, li)
}

func (h *Handler) RemoveLineItem(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "itemId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveLineItem(c.Request().Context(), id, itemID, revisionParam(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkClaimSent(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.MarkClaimSent(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type glosaPayload struct {
	LineItemID *uuid.UUID `json:"line_item_id"`
	Class      string     `json:"class"`
	Code       string     `json:"code"`
	Reason     string     `json:"reason"`
	Value      float64    `json:"value"`
}

func (g glosaPayload) toInput() GlosaInput {
	return GlosaInput{
		LineItemID: g.LineItemID,
		Class:      GlosaClass(g.Class),
		Code:       g.Code,
		Reason:     g.Reason,
		Value:      g.Value,
	}
}

type claimApprovalRequest struct {
	ApprovedAmount float64        `json:"approved_amount" validate:"gte=0"`
	Glosas         []glosaPayload `json:"glosas"`
	Revision       int            `json:"revision"`
}

func (h *Handler) RecordClaimApproval(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req claimApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	glosas := make([]GlosaInput, 0, len(req.Glosas))
	for _, g := range req.Glosas {
		glosas = append(glosas, g.toInput())
	}
	cl, err := h.svc.RecordClaimApproval(c.Request().Context(), id, req.ApprovedAmount, glosas, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type claimRejectionRequest struct {
	glosaPayload
	Revision int `json:"revision"`
}

func (h *Handler) RecordClaimRejection(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req claimRejectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.RecordClaimRejection(c.Request().Context(), id, req.toInput(), req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) MarkClaimPaid(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.MarkClaimPaid(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

// -- Rejection handlers --

func (h *Handler) GetRejection(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	rj, err := h.svc.GetRejection(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rj)
}

func (h *Handler) ListClaimRejections(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRejectionsByClaim(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOpenRejections(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOpenRejections(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) OpenRejectionCount(c echo.Context) error {
	n, err := h.svc.OpenRejectionCount(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"open": n})
}

func (h *Handler) BeginRejectionReview(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rj, err := h.svc.BeginRejectionReview(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rj)
}

type fileAppealRequest struct {
	Justification string `json:"justification" validate:"required"`
	Revision      int    `json:"revision"`
}

func (h *Handler) FileAppeal(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req fileAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.FileAppeal(c.Request().Context(), id, req.Justification, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

type grantAppealRequest struct {
	RestoredAmount *float64 `json:"restored_amount"`
	Revision       int      `json:"revision"`
}

func (h *Handler) GrantAppeal(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req grantAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rj, err := h.svc.GrantAppeal(c.Request().Context(), id, req.RestoredAmount, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rj)
}

type denyAppealRequest struct {
	Note     string `json:"note"`
	Revision int    `json:"revision"`
}

func (h *Handler) DenyAppeal(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req denyAppealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rj, err := h.svc.DenyAppeal(c.Request().Context(), id, req.Note, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rj)
}

func (h *Handler) AcceptRejection(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rj, err := h.svc.AcceptRejection(c.Request().Context(), id, req.Revision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rj)
}
