// Package server exposes the kernel over HTTP: one intent intake endpoint
// and read-only views of the query facade. All mutation flows through the
// dispatcher, so the one-logical-writer model holds regardless of how many
// connections gin accepts.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/eventlog"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
	"github.com/agoraverse/agora/internal/mint"
	"github.com/agoraverse/agora/internal/pipeline"
	"github.com/agoraverse/agora/internal/storage"
)

const defaultEventPageSize = 100

// Dispatcher routes one intent to one result.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent domain.Intent) domain.Result
	AuctionState() mint.State
}

var _ Dispatcher = (*pipeline.Pipeline)(nil)

// Server handles kernel HTTP traffic.
type Server struct {
	engine     *gin.Engine
	dispatcher Dispatcher
	query      *facade.Query
	store      storage.Store
	log        *eventlog.Log
}

// New wires the HTTP server around a dispatcher and the query facade.
func New(dispatcher Dispatcher, query *facade.Query, store storage.Store, log *eventlog.Log) *Server {
	gin.SetMode(gin.ReleaseMode)
	server := &Server{
		engine:     gin.New(),
		dispatcher: dispatcher,
		query:      query,
		store:      store,
		log:        log,
	}
	server.engine.Use(gin.Recovery())
	server.registerRoutes()
	return server
}

func (s *Server) registerRoutes() {
	g := s.engine.Group("agora/v1")

	g.POST("intents", s.handleIntent)
	g.GET("principals", s.handlePrincipals)
	g.GET("principals/:id", s.handlePrincipal)
	g.GET("principals/:id/events", s.handlePrincipalEvents)
	g.GET("artifacts", s.handleArtifacts)
	g.GET("artifacts/:id", s.handleArtifact)
	g.GET("auction", s.handleAuction)
	g.GET("escrow", s.handleListings)
	g.GET("escrow/:artifact", s.handleListing)
	g.GET("events", s.handleEvents)
	g.GET("healthz", s.handleHealth)
}

// Handler exposes the router for embedding in an http.Server and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// handleIntent accepts one ActionIntent and returns its ActionResult. The
// HTTP status mirrors the result's error category; the body is always the
// full result envelope.
func (s *Server) handleIntent(c *gin.Context) {
	var intent domain.Intent
	if err := c.ShouldBindJSON(&intent); err != nil {
		result := domain.Failure(kerr.Wrap(kerr.CodeArgumentInvalid, "decode intent", err))
		c.JSON(http.StatusBadRequest, result)
		return
	}
	result := s.dispatcher.Dispatch(c.Request.Context(), intent)
	c.JSON(statusFor(result), result)
}

func statusFor(result domain.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch kerr.Category(result.ErrorCategory) {
	case kerr.CategoryValidation:
		return http.StatusBadRequest
	case kerr.CategoryPermission:
		return http.StatusForbidden
	case kerr.CategoryResource:
		return http.StatusConflict
	case kerr.CategoryExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePrincipals(c *gin.Context) {
	principals, err := s.query.Principals(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principals": principals})
}

func (s *Server) handlePrincipal(c *gin.Context) {
	principal, err := s.store.GetPrincipal(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.renderError(c, kerr.Newf(kerr.CodeNotFound, "principal %s not found", c.Param("id")))
		return
	}
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, principal)
}

func (s *Server) handleArtifacts(c *gin.Context) {
	artifacts, err := s.query.Artifacts(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) handleArtifact(c *gin.Context) {
	artifact, err := s.query.Artifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleAuction(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.AuctionState())
}

type listingView struct {
	ArtifactID      string    `json:"artifact_id"`
	SellerID        string    `json:"seller_id"`
	Price           int64     `json:"price"`
	RestrictedBuyer string    `json:"restricted_buyer,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func viewListing(listing storage.Listing) listingView {
	return listingView{
		ArtifactID:      listing.ArtifactID,
		SellerID:        listing.SellerID,
		Price:           listing.Price,
		RestrictedBuyer: listing.RestrictedBuyer,
		Status:          string(listing.Status),
		CreatedAt:       listing.CreatedAt,
		UpdatedAt:       listing.UpdatedAt,
	}
}

func (s *Server) handleListings(c *gin.Context) {
	listings, err := s.query.Listings(c.Request.Context())
	if err != nil {
		s.renderError(c, err)
		return
	}
	views := make([]listingView, 0, len(listings))
	for _, listing := range listings {
		views = append(views, viewListing(listing))
	}
	c.JSON(http.StatusOK, gin.H{"listings": views})
}

func (s *Server) handleListing(c *gin.Context) {
	listing, err := s.query.Listing(c.Request.Context(), c.Param("artifact"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewListing(listing))
}

// handleEvents pages through the event log, oldest first.
func (s *Server) handleEvents(c *gin.Context) {
	after, limit, err := eventPage(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	events, err := s.log.Since(c.Request.Context(), after, limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handlePrincipalEvents returns log events matching the principal's
// subscriptions. A principal with no subscriptions sees nothing.
func (s *Server) handlePrincipalEvents(c *gin.Context) {
	after, limit, err := eventPage(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	ctx := c.Request.Context()
	subs, err := s.store.ListSubscriptions(ctx, c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	subscribed := make(map[string]bool, len(subs))
	for _, sub := range subs {
		subscribed[sub.EventType] = true
	}
	matched := []domain.Event{}
	if len(subscribed) > 0 {
		events, err := s.log.Since(ctx, after, 0)
		if err != nil {
			s.renderError(c, err)
			return
		}
		for _, evt := range events {
			if !subscribed[evt.Type] {
				continue
			}
			matched = append(matched, evt)
			if len(matched) >= limit {
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": matched})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func eventPage(c *gin.Context) (after uint64, limit int, err error) {
	after, err = parseUint(c.DefaultQuery("after", "0"))
	if err != nil {
		return 0, 0, kerr.Wrap(kerr.CodeArgumentInvalid, "after", err)
	}
	rawLimit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventPageSize)))
	if err != nil || rawLimit <= 0 {
		return 0, 0, kerr.New(kerr.CodeArgumentInvalid, "limit must be a positive integer")
	}
	return after, rawLimit, nil
}

func parseUint(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}

// renderError maps kernel errors onto HTTP without leaking internals.
func (s *Server) renderError(c *gin.Context, err error) {
	code := kerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch kerr.CategoryOf(code) {
	case kerr.CategoryValidation:
		status = http.StatusBadRequest
	case kerr.CategoryPermission:
		status = http.StatusForbidden
	case kerr.CategoryResource:
		status = http.StatusConflict
	case kerr.CategoryExecution:
		status = http.StatusUnprocessableEntity
	}
	if code == kerr.CodeNotFound {
		status = http.StatusNotFound
	}
	message := err.Error()
	var kernelErr *kerr.Error
	if errors.As(err, &kernelErr) {
		message = kernelErr.Message
	}
	c.JSON(status, gin.H{"error": message, "error_code": string(code)})
}
