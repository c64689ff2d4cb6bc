package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bitlair/Print-manager/internal/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PrinterFleet is what the printer endpoints read from the manager.
type PrinterFleet interface {
	ListPrinters() []core.PrinterView
	GetPrinter(serial string) (core.PrinterView, error)
	Refresh(serial string) error
	Policy() *core.Policy
}

type PrinterHandler struct {
	fleet PrinterFleet
}

func NewPrinterHandler(fleet PrinterFleet) *PrinterHandler {
	return &PrinterHandler{fleet: fleet}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleet.ListPrinters())
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	view, err := h.fleet.GetPrinter(c.Param("serial"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *PrinterHandler) RefreshPrinter(c *gin.Context) {
	if err := h.fleet.Refresh(c.Param("serial")); err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *PrinterHandler) GetPolicy(c *gin.Context) {
	p := h.fleet.Policy()
	if p == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_configured", Message: "No operating policy configured"})
		return
	}
	c.JSON(http.StatusOK, p.View())
}

func (h *PrinterHandler) notFound(c *gin.Context, err error) {
	if errors.Is(err, core.ErrPrinterNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "printer_not_found", Message: "Printer not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
}

func RegisterPrinterRoutes(router *gin.RouterGroup, h *PrinterHandler) {
	printers := router.Group("/printers")
	printers.GET("", h.ListPrinters)
	printers.GET("/:serial", h.GetPrinter)
	printers.POST("/:serial/refresh", h.RefreshPrinter)
	router.GET("/policy", h.GetPolicy)
}
