package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	conndomain "flowdesk-sync/internal/connection/domain"
	connrepo "flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/credential"
	itemdomain "flowdesk-sync/internal/item/domain"
	itemrepo "flowdesk-sync/internal/item/repository"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	outboxrepo "flowdesk-sync/internal/outbox/repository"
	"flowdesk-sync/internal/proposal"
	proposalrepo "flowdesk-sync/internal/proposal/repository"
	syncsvc "flowdesk-sync/internal/sync"
	"flowdesk-sync/pkg/config"

	"gorm.io/gorm"
)

type Handler struct {
	cfg          *config.Config
	connections  connrepo.ConnectionRepository
	items        itemrepo.ItemStore
	outboxRepo   outboxrepo.OutboxRepository
	candidates   proposalrepo.CandidateQueue
	proposals    proposalrepo.ProposalRepository
	audit        proposalrepo.AuditLog
	orchestrator *syncsvc.Orchestrator
	engine       *proposal.Engine
	resolver     credential.Resolver
}

func NewHandler(
	cfg *config.Config,
	connections connrepo.ConnectionRepository,
	items itemrepo.ItemStore,
	outboxRepo outboxrepo.OutboxRepository,
	candidates proposalrepo.CandidateQueue,
	proposals proposalrepo.ProposalRepository,
	audit proposalrepo.AuditLog,
	orchestrator *syncsvc.Orchestrator,
	engine *proposal.Engine,
	resolver credential.Resolver,
) *Handler {
	return &Handler{
		cfg:          cfg,
		connections:  connections,
		items:        items,
		outboxRepo:   outboxRepo,
		candidates:   candidates,
		proposals:    proposals,
		audit:        audit,
		orchestrator: orchestrator,
		engine:       engine,
		resolver:     resolver,
	}
}

func (h *Handler) Start(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h, h.cfg)
	return r.Run(addr)
}

type createConnectionRequest struct {
	OrgID           string   `json:"org_id"`
	UserID          string   `json:"user_id" binding:"required"`
	Identity        string   `json:"identity" binding:"required"`
	Provider        string   `json:"provider" binding:"required"`
	ImapHost        string   `json:"imap_host"`
	MailFolder      string   `json:"mail_folder"`
	SyncIntervalSec *int     `json:"sync_interval_sec"`
	CalendarIDs     []string `json:"calendar_ids"`

	Credential struct {
		Kind         string `json:"kind" binding:"required"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
		AccessToken  string `json:"access_token"`
	} `json:"credential" binding:"required"`
}

func (h *Handler) CreateConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prov := conndomain.Provider(req.Provider)
	if prov != conndomain.ProviderGmail && prov != conndomain.ProviderIMAP {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider must be gmail or imap"})
		return
	}
	if prov == conndomain.ProviderIMAP && req.ImapHost == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "imap connections need imap_host"})
		return
	}

	sealed, err := h.resolver.Seal(credential.Secret{
		Kind:         credential.Kind(req.Credential.Kind),
		Username:     req.Credential.Username,
		Password:     req.Credential.Password,
		RefreshToken: req.Credential.RefreshToken,
		AccessToken:  req.Credential.AccessToken,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to seal credential"})
		return
	}

	interval := 300
	if req.SyncIntervalSec != nil {
		interval = *req.SyncIntervalSec
	}

	conn := &conndomain.Connection{
		ID:              uuid.New().String(),
		OrgID:           req.OrgID,
		UserID:          req.UserID,
		Identity:        req.Identity,
		Provider:        prov,
		CredentialRef:   sealed,
		Active:          true,
		SyncIntervalSec: interval,
		ImapHost:        req.ImapHost,
		MailFolder:      req.MailFolder,
		CalendarIDs:     conndomain.StringList(req.CalendarIDs),
	}
	if conn.MailFolder == "" {
		conn.MailFolder = "INBOX"
	}

	if err := h.connections.Create(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Kick the first sync through the queue instead of inline so the
	// request returns immediately.
	if _, err := h.outboxRepo.Enqueue(outboxdomain.EventSyncRequested, outboxdomain.SyncRequestedPayload{
		ConnectionID: conn.ID,
		Resource:     "all",
	}, "sync:"+conn.ID+":all"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, conn)
}

func (h *Handler) ListConnections(c *gin.Context) {
	conns, err := h.connections.FindActive()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (h *Handler) GetConnectionStatus(c *gin.Context) {
	conn, err := h.connections.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                    conn.ID,
		"identity":              conn.Identity,
		"provider":              conn.Provider,
		"active":                conn.Active,
		"needs_reconnect":       conn.NeedsReconnect,
		"mail_cursor_set":       conn.MailCursor != "",
		"mail_item_count":       conn.MailItemCount,
		"last_mail_sync_at":     conn.LastMailSyncAt,
		"last_mail_error":       conn.LastMailError,
		"calendar_ids":          conn.CalendarIDs,
		"calendar_item_count":   conn.CalendarItemCount,
		"last_calendar_sync_at": conn.LastCalendarSyncAt,
		"last_calendar_error":   conn.LastCalendarError,
		"watch_expires_at":      conn.WatchExpiresAt,
	})
}

// FlushConnection clears every cursor on the connection; the next sync
// starts from the bootstrap listing.
func (h *Handler) FlushConnection(c *gin.Context) {
	if err := h.connections.FlushCursors(c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

// DeactivateConnection drops the credential and stops sync. Cursors
// survive so a reconnect resumes where it left off.
func (h *Handler) DeactivateConnection(c *gin.Context) {
	if err := h.connections.Deactivate(c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// TriggerSync runs one synchronous sync pass and returns the run
// summary: counts plus per-record error strings.
func (h *Handler) TriggerSync(c *gin.Context) {
	resource := c.DefaultQuery("resource", "all")
	result, err := h.orchestrator.SyncConnection(c.Request.Context(), c.Param("connectionId"), resource)
	if err != nil {
		status := http.StatusBadGateway
		if result == nil {
			status = http.StatusNotFound
		}
		payload := gin.H{"error": err.Error()}
		if result != nil {
			payload["result"] = result
		}
		c.JSON(status, payload)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListItems(c *gin.Context) {
	connectionID := c.Query("connection_id")
	if connectionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection_id is required"})
		return
	}
	includeArchived := c.Query("include_archived") == "true"
	limit, offset := pagination(c)

	items, err := h.items.FindByConnection(connectionID, itemdomain.Source(c.Query("source")), includeArchived, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ArchiveItem archives a canonical item and queues the provider
// side-effect (marking the source message read).
func (h *Handler) ArchiveItem(c *gin.Context) {
	id := c.Param("id")
	item, err := h.items.FindByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
		return
	}

	archived, err := h.items.Archive(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if archived {
		if _, err := h.outboxRepo.Enqueue(outboxdomain.EventItemArchived, outboxdomain.ItemEventPayload{
			CanonicalID:  item.CanonicalID,
			ConnectionID: item.ConnectionID,
			Source:       string(item.Source),
		}, ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

// GenerateProposals drains the candidate queue synchronously and
// returns the proposals created by this call.
func (h *Handler) GenerateProposals(c *gin.Context) {
	created, err := h.engine.GenerateNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "proposals": created})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": created})
}

func (h *Handler) ListProposals(c *gin.Context) {
	limit, offset := pagination(c)
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetString("userID")
	}

	pending, err := h.proposals.FindPending(userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": pending})
}

func (h *Handler) ConfirmProposal(c *gin.Context) {
	confirmed, err := h.engine.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondProposalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": confirmed.Status, "proposal": confirmed})
}

func (h *Handler) RejectProposal(c *gin.Context) {
	rejected, err := h.engine.Reject(c.Param("id"))
	if err != nil {
		respondProposalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": rejected.Status, "proposal": rejected})
}

func (h *Handler) GetProposalAudit(c *gin.Context) {
	entries, err := h.audit.FindByProposal(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	limit, offset := pagination(c)
	events, err := h.outboxRepo.FindDeadLetters(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	if err := h.outboxRepo.RequeueDeadLetter(c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

func (h *Handler) ListCandidateDeadLetters(c *gin.Context) {
	limit, offset := pagination(c)
	candidates, err := h.candidates.FindDeadLetters(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

func respondProposalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, proposal.ErrProposalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, proposal.ErrProposalResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
