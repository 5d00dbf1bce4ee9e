package intelliscrape

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pevans/intelliscrape/dataset"
	"github.com/pevans/intelliscrape/scraper"
	"github.com/pevans/intelliscrape/variant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIServer exposes a Service over HTTP.
type APIServer struct {
	service  *Service
	gatherer prometheus.Gatherer
}

// NewAPIServer creates an API server. Metrics are served from gatherer, or
// from the default registry when it is nil.
func NewAPIServer(service *Service, gatherer prometheus.Gatherer) *APIServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &APIServer{service: service, gatherer: gatherer}
}

// SetupRouter configures the Gin router with all API routes.
func (s *APIServer) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	api.POST("/scrape", s.HandleScrape)
	api.GET("/configurations/:type", s.HandleGetConfiguration)
	api.PUT("/configurations/:type", s.HandleReplaceConfiguration)
	api.POST("/configurations/:type/calculate", s.HandleCalculateConfiguration)
	api.GET("/datasets/:type", s.HandleListDataset)
	api.POST("/datasets", s.HandleAddExample)

	return router
}

// ScrapeRequestBody is the body of POST /api/v1/scrape.
type ScrapeRequestBody struct {
	URL     string         `json:"url" binding:"required"`
	Type    string         `json:"type" binding:"required"`
	Context map[string]any `json:"context,omitempty"`
}

// ConfigurationResponse is returned by the configuration endpoints.
type ConfigurationResponse struct {
	Type   string                    `json:"type"`
	Fields []scraper.FieldDefinition `json:"fields"`
	Saved  bool                      `json:"saved"`
}

// ReplaceConfigurationBody is the body of PUT /api/v1/configurations/:type.
type ReplaceConfigurationBody struct {
	Fields []scraper.FieldDefinition `json:"fields" binding:"required"`
}

// DatasetResponse is returned by GET /api/v1/datasets/:type.
type DatasetResponse struct {
	Type     string           `json:"type"`
	Examples []dataset.Record `json:"examples"`
	Total    int              `json:"total"`
}

// AddExampleBody is the body of POST /api/v1/datasets. It records a page
// and the values it is known to hold, so a type can be configured before
// anything was scraped.
type AddExampleBody struct {
	URL    string              `json:"url" binding:"required"`
	Type   string              `json:"type" binding:"required"`
	Fields map[string][]string `json:"fields" binding:"required"`
}

// errorResponse creates a standardized error response.
func errorResponse(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// handleError maps domain errors to HTTP responses.
func (s *APIServer) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scraper.ErrNoExampleData):
		c.JSON(http.StatusNotFound, errorResponse("no_example_data", err.Error()))
	case errors.Is(err, scraper.ErrConfiguration):
		c.JSON(http.StatusUnprocessableEntity, errorResponse("configuration_error", err.Error()))
	case errors.Is(err, dataset.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, errorResponse("internal_error", "Failed to process request"))
	}
}

// HandleHealth handles GET /health.
func (s *APIServer) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"queue":  s.service.Stats(),
	})
}

// HandleScrape handles POST /api/v1/scrape. The request is queued and its
// id returned; results are delivered to the type's listener.
func (s *APIServer) HandleScrape(c *gin.Context) {
	var body ScrapeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
		return
	}
	if err := validateURL(body.URL); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
		return
	}

	req := scraper.NewScrapeRequest(body.URL, body.Type, body.Context)
	if err := s.service.Submit(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", err.Error()))
		return
	}

	c.JSON(http.StatusAccepted, req)
}

// HandleGetConfiguration handles GET /api/v1/configurations/:type.
func (s *APIServer) HandleGetConfiguration(c *gin.Context) {
	typ := c.Param("type")

	cfg, err := s.service.Configurations().FindByType(c.Request.Context(), typ)
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, ConfigurationResponse{Type: typ, Fields: cfg, Saved: true})
}

// HandleReplaceConfiguration handles PUT /api/v1/configurations/:type.
func (s *APIServer) HandleReplaceConfiguration(c *gin.Context) {
	typ := c.Param("type")

	var body ReplaceConfigurationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
		return
	}

	cfg := make(scraper.Configuration, 0, len(body.Fields))
	seen := make(map[string]bool, len(body.Fields))
	for _, def := range body.Fields {
		if def.Name == "" || len(def.Selectors) == 0 {
			c.JSON(http.StatusBadRequest, errorResponse("validation_error", "every field needs a name and at least one selector"))
			return
		}
		if seen[def.Name] {
			c.JSON(http.StatusBadRequest, errorResponse("validation_error", "duplicate field "+def.Name))
			return
		}
		seen[def.Name] = true
		def.Type = typ
		cfg = append(cfg, def)
	}

	if err := s.service.Configurations().Replace(c.Request.Context(), typ, cfg); err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, ConfigurationResponse{Type: typ, Fields: cfg, Saved: true})
}

// HandleCalculateConfiguration handles POST
// /api/v1/configurations/:type/calculate. The configuration is derived
// from the dataset and returned; ?save=true also stores it, and
// ?refresh=true skips the cached result.
func (s *APIServer) HandleCalculateConfiguration(c *gin.Context) {
	typ := c.Param("type")
	ctx := c.Request.Context()

	if c.Query("refresh") == "true" {
		if err := s.service.Calculator().Invalidate(ctx, typ); err != nil {
			s.handleError(c, err)
			return
		}
	}

	cfg, err := s.service.Calculator().Calculate(ctx, typ)
	if err != nil {
		s.handleError(c, err)
		return
	}

	saved := c.Query("save") == "true"
	if saved {
		if err := s.service.Configurations().Replace(ctx, typ, cfg); err != nil {
			s.handleError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, ConfigurationResponse{Type: typ, Fields: cfg, Saved: saved})
}

// HandleListDataset handles GET /api/v1/datasets/:type. An optional
// ?variant= narrows the list.
func (s *APIServer) HandleListDataset(c *gin.Context) {
	typ := c.Param("type")
	ctx := c.Request.Context()

	var (
		records []dataset.Record
		err     error
	)
	if v := c.Query("variant"); v != "" {
		records, err = s.service.Examples().ListByTypeAndVariant(ctx, typ, v)
	} else {
		records, err = s.service.Examples().ListByType(ctx, typ)
	}
	if err != nil {
		s.handleError(c, err)
		return
	}
	if records == nil {
		records = []dataset.Record{}
	}

	c.JSON(http.StatusOK, DatasetResponse{Type: typ, Examples: records, Total: len(records)})
}

// HandleAddExample handles POST /api/v1/datasets.
func (s *APIServer) HandleAddExample(c *gin.Context) {
	var body AddExampleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
		return
	}
	if err := validateURL(body.URL); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
		return
	}
	if len(body.Fields) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("validation_error", "at least one field is required"))
		return
	}

	ctx := c.Request.Context()
	found := make(map[string]bool, len(body.Fields))
	for name, values := range body.Fields {
		found[name] = len(values) > 0
	}

	created, err := s.service.Examples().RecordOrUpdate(ctx, body.URL, body.Type,
		variant.Fingerprint(body.Type, found), body.Fields)
	if err != nil {
		s.handleError(c, err)
		return
	}
	rec, err := s.service.Examples().Get(ctx, body.URL)
	if err != nil {
		s.handleError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("url must have a host")
	}
	return nil
}
