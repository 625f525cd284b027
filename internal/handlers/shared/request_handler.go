package handlers

import (
	"strconv"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/services"
	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/logger"

	"github.com/gin-gonic/gin"
)

type RequestHandler struct {
	requestService services.RequestService
	logger         *logger.Logger
}

func NewRequestHandler(requestService services.RequestService, log *logger.Logger) *RequestHandler {
	return &RequestHandler{
		requestService: requestService,
		logger:         log,
	}
}

// CreateRequest opens a new tow request for the calling client.
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var req validators.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	clientName := req.ClientName
	if clientName == "" {
		clientName = c.GetString("user_name")
	}

	request, err := h.requestService.CreateRequest(c.Request.Context(), services.CreateRequestCommand{
		ClientID:        c.GetString("user_id"),
		ClientName:      clientName,
		Origin:          req.Origin.ToPlace(),
		Destination:     req.Destination.ToPlace(),
		DistanceMeters:  req.DistanceMeters,
		DurationSeconds: req.DurationSeconds,
		Problem:         req.Problem,
		Vehicle:         req.Vehicle,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.CreatedResponse(c, "Request created successfully", request)
}

func (h *RequestHandler) GetRequest(c *gin.Context) {
	request, err := h.requestService.GetRequest(c.Request.Context(), c.Param("id"), c.GetString("user_id"), c.GetString("user_type"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponse(c, "Request retrieved successfully", request)
}

// ListOpenRequests lets a driver pull open requests it has not quoted yet.
func (h *RequestHandler) ListOpenRequests(c *gin.Context) {
	filter := interfaces.OpenRequestFilter{}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			utils.BadRequestResponse(c, "Invalid limit")
			return
		}
		filter.Limit = n
	}

	lat, lng := c.Query("lat"), c.Query("lng")
	if lat != "" || lng != "" {
		latitude, err1 := strconv.ParseFloat(lat, 64)
		longitude, err2 := strconv.ParseFloat(lng, 64)
		if err1 != nil || err2 != nil || latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
			utils.BadRequestResponse(c, "Invalid coordinates")
			return
		}
		point := models.NewGeoPoint(latitude, longitude)
		filter.Near = &point

		if radius := c.Query("radius"); radius != "" {
			r, err := strconv.ParseFloat(radius, 64)
			if err != nil || r <= 0 {
				utils.BadRequestResponse(c, "Invalid radius")
				return
			}
			filter.RadiusKM = r
		}
	}

	requests, err := h.requestService.ListOpenForDriver(c.Request.Context(), c.GetString("user_id"), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponseWithMeta(c, "Open requests retrieved successfully", requests, &utils.Meta{Count: len(requests)})
}

func (h *RequestHandler) SubmitQuote(c *gin.Context) {
	var req validators.SubmitQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	quote, err := h.requestService.SubmitQuote(c.Request.Context(), services.SubmitQuoteCommand{
		RequestID:  c.Param("id"),
		DriverID:   c.GetString("user_id"),
		DriverName: c.GetString("user_name"),
		Amount:     req.Amount,
		Location:   req.DriverLocation(),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.CreatedResponse(c, "Quote submitted successfully", quote)
}

func (h *RequestHandler) AcceptQuote(c *gin.Context) {
	var req validators.AcceptQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	result, err := h.requestService.AcceptQuote(c.Request.Context(), services.AcceptQuoteCommand{
		RequestID: c.Param("id"),
		ClientID:  c.GetString("user_id"),
		DriverID:  req.DriverID,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponse(c, "Quote accepted successfully", result)
}

// CancelRequest cancels as the caller's role: clients their own requests,
// drivers the request assigned to them.
func (h *RequestHandler) CancelRequest(c *gin.Context) {
	var req validators.CancelRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	role := models.CancelledByClient
	if c.GetString("user_type") == utils.UserTypeDriver {
		role = models.CancelledByDriver
	}

	request, err := h.requestService.Cancel(c.Request.Context(), services.CancelCommand{
		RequestID:    c.Param("id"),
		ActorID:      c.GetString("user_id"),
		ActorRole:    role,
		Reason:       req.Reason,
		CustomReason: req.CustomReason,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if role == models.CancelledByDriver {
		request = request.Redacted()
	}
	utils.SuccessResponse(c, "Request cancelled successfully", request)
}

func (h *RequestHandler) CompleteRequest(c *gin.Context) {
	request, err := h.requestService.Complete(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponse(c, "Request completed successfully", request.Redacted())
}
