package handlers

import (
	"gotow/internal/services"
	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/logger"

	"github.com/gin-gonic/gin"
)

type DriverHandler struct {
	capacityService services.CapacityService
	logger          *logger.Logger
}

func NewDriverHandler(capacityService services.CapacityService, log *logger.Logger) *DriverHandler {
	return &DriverHandler{
		capacityService: capacityService,
		logger:          log,
	}
}

func (h *DriverHandler) GetAvailability(c *gin.Context) {
	driver, err := h.capacityService.GetAvailability(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponse(c, "Availability retrieved successfully", driver)
}

// SetAvailability toggles the driver online or offline. Rejected while the
// driver is serving a request.
func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req validators.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	driver, err := h.capacityService.SetOnline(c.Request.Context(), c.GetString("user_id"), c.GetString("user_name"), *req.Online)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	utils.SuccessResponse(c, "Availability updated successfully", driver)
}
