// Package api is the HTTP transport over the facilitator core.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/gosuda/x402-gateway/api/middleware"
	_ "github.com/gosuda/x402-gateway/api/swagger"
	"github.com/gosuda/x402-gateway/discovery"
	"github.com/gosuda/x402-gateway/facilitator"
	"github.com/gosuda/x402-gateway/types"
)

// verifyTimeout bounds verification requests; they only read and simulate.
const verifyTimeout = 30 * time.Second

// @title        x402 Facilitator API
// @version      1.0
// @description  Verification and settlement service for x402 exact payments
type server struct {
	*echo.Echo
	fac *facilitator.Facilitator
	log zerolog.Logger
}

var _ http.Handler = (*server)(nil)

// NewServer builds the echo application over the facilitator.
func NewServer(fac *facilitator.Facilitator, log zerolog.Logger) *server {
	s := &server{
		Echo: echo.New(),
		fac:  fac,
		log:  log,
	}
	s.HideBanner = true

	s.Use(middleware.RequestID())
	s.Use(middleware.Logger(log))
	s.Use(middleware.ErrorWrapper())
	s.Use(echomiddleware.RecoverWithConfig(echomiddleware.RecoverConfig{
		DisableErrorHandler: true,
	}))
	s.Use(echomiddleware.CORS())

	s.POST("/verify", s.Verify)
	s.POST("/settle", s.Settle)
	s.GET("/supported", s.Supported)
	s.GET("/healthz", s.Healthz)
	s.GET("/discovery/resources", s.DiscoveryResources)
	s.GET("/list", s.ListRedirect)
	s.GET("/swagger/*", echoSwagger.WrapHandler)

	return s
}

// paymentRequest is the shared body of /verify and /settle.
type paymentRequest struct {
	PaymentPayload      types.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements types.PaymentRequirements `json:"paymentRequirements"`
}

// discoveryResponse is the body of GET /discovery/resources.
type discoveryResponse struct {
	X402Version int                  `json:"x402Version"`
	Items       []*discovery.Resource `json:"items"`
	Pagination  discovery.Pagination `json:"pagination"`
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status   string          `json:"status"`
	Networks []types.Network `json:"networks"`
	Wallets  struct {
		Total   int `json:"total"`
		Healthy int `json:"healthy"`
	} `json:"wallets"`
}

// Verify handles payment verification requests
// @Summary      Verify payment
// @Description  Decide whether a signed payment payload satisfies the declared requirements
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        body  body      paymentRequest  true  "Payment and requirements"
// @Success      200   {object}  types.VerifyResponse
// @Failure      400   {object}  types.VerifyResponse
// @Router       /verify [post]
func (s *server) Verify(c echo.Context) error {
	req := &paymentRequest{}
	if err := json.NewDecoder(c.Request().Body).Decode(req); err != nil {
		return c.JSON(http.StatusBadRequest, &types.VerifyResponse{
			IsValid:       false,
			InvalidReason: types.ReasonInvalidPayload,
		})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), verifyTimeout)
	defer cancel()

	resp := s.fac.Verify(ctx, &req.PaymentPayload, &req.PaymentRequirements)
	return c.JSON(http.StatusOK, resp)
}

// Settle handles payment settlement requests
// @Summary      Settle payment
// @Description  Submit the payment on-chain, wait for confirmation and report the outcome
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        body  body      paymentRequest  true  "Payment and requirements"
// @Success      200   {object}  types.SettleResponse
// @Failure      400   {object}  types.SettleResponse
// @Router       /settle [post]
func (s *server) Settle(c echo.Context) error {
	req := &paymentRequest{}
	if err := json.NewDecoder(c.Request().Body).Decode(req); err != nil {
		return c.JSON(http.StatusBadRequest, &types.SettleResponse{
			Success:     false,
			ErrorReason: types.ReasonInvalidPayload,
		})
	}

	resp := s.fac.Settle(c.Request().Context(), &req.PaymentPayload, &req.PaymentRequirements)
	return c.JSON(http.StatusOK, resp)
}

// Supported returns the list of supported payment kinds
// @Summary      List supported kinds
// @Tags         payments
// @Produce      json
// @Success      200  {object}  types.SupportedResponse
// @Router       /supported [get]
func (s *server) Supported(c echo.Context) error {
	return c.JSON(http.StatusOK, s.fac.Supported())
}

// DiscoveryResources lists registered merchant resources
// @Summary      List discovery resources
// @Tags         discovery
// @Produce      json
// @Param        type      query  string  false  "Resource type filter"
// @Param        limit     query  int     false  "Page size (1-1000)"
// @Param        offset    query  int     false  "Page offset"
// @Param        metadata  query  string  false  "Metadata equality filter, JSON object"
// @Success      200  {object}  discoveryResponse
// @Router       /discovery/resources [get]
func (s *server) DiscoveryResources(c echo.Context) error {
	q := discovery.ListQuery{
		Type: c.QueryParam("type"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		q.Limit = n
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		q.Offset = n
	}
	if raw := c.QueryParam("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Metadata); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid metadata filter")
		}
	}

	registry := s.fac.Discovery()
	if registry == nil {
		registry = discovery.NewRegistry(nil, nil, false, s.log)
	}
	page, err := registry.List(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "discovery unavailable")
	}

	return c.JSON(http.StatusOK, &discoveryResponse{
		X402Version: types.X402Version,
		Items:       page.Items,
		Pagination:  page.Pagination,
	})
}

// ListRedirect preserves the legacy discovery path
// @Summary      Legacy discovery path
// @Tags         discovery
// @Success      301
// @Router       /list [get]
func (s *server) ListRedirect(c echo.Context) error {
	return c.Redirect(http.StatusMovedPermanently, "/discovery/resources")
}

// Healthz reports process liveness
// @Summary      Liveness probe
// @Tags         ops
// @Produce      json
// @Success      200  {object}  healthResponse
// @Router       /healthz [get]
func (s *server) Healthz(c echo.Context) error {
	resp := &healthResponse{Status: "ok"}
	for _, kind := range s.fac.Supported().Kinds {
		resp.Networks = append(resp.Networks, kind.Network)
	}
	if pool := s.fac.EvmPool(); pool != nil {
		for _, w := range pool.Snapshot() {
			resp.Wallets.Total++
			if w.Healthy {
				resp.Wallets.Healthy++
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}
