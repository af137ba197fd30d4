package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quill/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/quill/backend/internal/vcs"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "quill_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingVersionCtl    = errors.New("version control service dependency required")
	errMissingRoomsService  = errors.New("rooms service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the authenticated subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler's collaborators.
type Dependencies struct {
	TokenManager TokenValidator
	VersionCtl   *vcs.Service
	Rooms        *rooms.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the version-control API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.VersionCtl == nil {
		return nil, errMissingVersionCtl
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		versionCtl: deps.VersionCtl,
		rooms:      deps.Rooms,
		logger:     logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/merge", handler.handleMergeBranches)
	protected.GET("/merge/conflicts/:roomId", handler.handleGetMergeConflicts)
	protected.POST("/merge/conflicts/:conflictId/resolve", handler.handleResolveConflict)
	protected.POST("/merge/apply", handler.handleApplyMerge)
	protected.GET("/merge/diff", handler.handleGetMergeDiff)

	protected.POST("/branches", handler.handleCreateBranch)
	protected.POST("/branches/checkout", handler.handleCheckout)
	protected.DELETE("/branches/:branchId", handler.handleDeleteBranch)
	protected.GET("/branches/:roomId", handler.handleListBranches)
	protected.POST("/branches/main/init", handler.handleInitializeMain)
	protected.POST("/branches/push", handler.handlePushToMain)
	protected.POST("/branches/pull", handler.handlePullFromMain)

	protected.POST("/commits", handler.handleCreateCommit)
	protected.GET("/commits/:roomId", handler.handleListCommits)
	protected.GET("/commits/:roomId/restore/:commitId", handler.handleRestoreCommit)
	protected.POST("/commits/revert", handler.handleRevertCommit)

	protected.POST("/rooms/:roomId/members", handler.handleSetMember)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	versionCtl *vcs.Service
	rooms      *rooms.Service
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// respondError maps the service error taxonomy onto HTTP status codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var status int
	switch vcs.KindOf(err) {
	case vcs.KindValidation:
		status = http.StatusBadRequest
	case vcs.KindNotFound:
		status = http.StatusNotFound
	case vcs.KindAuthorization:
		status = http.StatusForbidden
	case vcs.KindConflict:
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	code := "internal_error"
	var serviceErr *vcs.Error
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

type snapshotPayload struct {
	Blocks []vcs.Block `json:"blocks"`
}

func (p *snapshotPayload) toSnapshot(at time.Time) *vcs.Snapshot {
	if p == nil {
		return nil
	}
	return &vcs.Snapshot{Blocks: p.Blocks, Timestamp: at}
}

type mergeRequestPayload struct {
	SourceBranchID string `json:"sourceBranchId"`
	TargetBranchID string `json:"targetBranchId"`
	CommitMessage  string `json:"commitMessage"`
}

func (h *httpHandler) handleMergeBranches(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request mergeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.versionCtl.MergeBranches(c.Request.Context(),
		request.SourceBranchID, request.TargetBranchID, userID, request.CommitMessage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if outcome.HasConflicts {
		c.JSON(http.StatusConflict, gin.H{
			"message":      "Merge has conflicts",
			"hasConflicts": true,
			"conflicts":    conflictPayloads(outcome.Conflicts),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":       "Merge completed",
		"mergeCommitId": outcome.MergeCommit.CommitID,
	})
}

func (h *httpHandler) handleGetMergeConflicts(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	conflicts, err := h.versionCtl.GetMergeConflicts(c.Request.Context(),
		c.Param("roomId"), c.Query("sourceBranchId"), c.Query("targetBranchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflictPayloads(conflicts)})
}

type resolveConflictPayload struct {
	Resolution vcs.Block `json:"resolution"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request resolveConflictPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.versionCtl.ResolveConflict(c.Request.Context(),
		c.Param("conflictId"), request.Resolution, userID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conflict resolved", "success": true})
}

type applyMergePayload struct {
	RoomID         string `json:"roomId"`
	SourceBranchID string `json:"sourceBranchId"`
	TargetBranchID string `json:"targetBranchId"`
	CommitMessage  string `json:"commitMessage"`
}

func (h *httpHandler) handleApplyMerge(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request applyMergePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	commit, err := h.versionCtl.ApplyMerge(c.Request.Context(),
		request.RoomID, request.SourceBranchID, request.TargetBranchID, userID, request.CommitMessage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Merge applied",
		"success":       true,
		"mergeCommitId": commit.CommitID,
	})
}

func (h *httpHandler) handleGetMergeDiff(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	diff, err := h.versionCtl.GetMergeDiff(c.Request.Context(),
		c.Query("sourceBranchId"), c.Query("targetBranchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

type createBranchPayload struct {
	RoomID          string           `json:"roomId"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	ParentBranchID  string           `json:"parentBranchId"`
	InitialSnapshot *snapshotPayload `json:"initialSnapshot"`
}

func (h *httpHandler) handleCreateBranch(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request createBranchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	branch, err := h.versionCtl.CreateBranch(c.Request.Context(), vcs.CreateBranchRequest{
		RoomID:          request.RoomID,
		Name:            request.Name,
		UserID:          userID,
		Description:     request.Description,
		ParentBranchID:  request.ParentBranchID,
		InitialSnapshot: request.InitialSnapshot.toSnapshot(time.Now().UTC()),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"branch": branchPayloadFrom(branch)})
}

type checkoutPayload struct {
	RoomID          string           `json:"roomId"`
	BranchID        string           `json:"branchId"`
	CurrentSnapshot *snapshotPayload `json:"currentSnapshot"`
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request checkoutPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.versionCtl.Checkout(c.Request.Context(),
		request.RoomID, request.BranchID, userID,
		request.CurrentSnapshot.toSnapshot(time.Now().UTC()))
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := gin.H{
		"branch":   branchPayloadFrom(result.Branch),
		"snapshot": gin.H{"blocks": blocksOrEmpty(result.Snapshot.Blocks)},
	}
	if result.AutoCommitID != "" {
		response["autoCommitId"] = result.AutoCommitID
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteBranch(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	if err := h.versionCtl.DeleteBranch(c.Request.Context(), c.Param("branchId"), userID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Branch deleted", "success": true})
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	branches, err := h.versionCtl.ListBranches(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payloads := make([]gin.H, 0, len(branches))
	for i := range branches {
		payloads = append(payloads, branchPayloadFrom(&branches[i]))
	}
	c.JSON(http.StatusOK, gin.H{"branches": payloads})
}

type initializeMainPayload struct {
	RoomID string `json:"roomId"`
}

func (h *httpHandler) handleInitializeMain(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request initializeMainPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// First user to initialize a room becomes its owner.
	if err := h.rooms.EnsureOwner(c.Request.Context(), request.RoomID, userID, ""); err != nil {
		h.logger.Error("owner bootstrap failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "owner_bootstrap_failed"})
		return
	}

	branch, err := h.versionCtl.InitializeMainBranch(c.Request.Context(), request.RoomID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": branchPayloadFrom(branch)})
}

type pushToMainPayload struct {
	RoomID         string `json:"roomId"`
	SourceBranchID string `json:"sourceBranchId"`
	UserEmail      string `json:"userEmail"`
	CommitMessage  string `json:"commitMessage"`
}

func (h *httpHandler) handlePushToMain(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request pushToMainPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.versionCtl.PushToMain(c.Request.Context(),
		request.RoomID, request.SourceBranchID, userID, request.UserEmail)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondMergeOutcome(c, outcome)
}

type pullFromMainPayload struct {
	RoomID         string `json:"roomId"`
	TargetBranchID string `json:"targetBranchId"`
}

func (h *httpHandler) handlePullFromMain(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request pullFromMainPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.versionCtl.PullFromMain(c.Request.Context(),
		request.RoomID, request.TargetBranchID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondMergeOutcome(c, outcome)
}

func (h *httpHandler) respondMergeOutcome(c *gin.Context, outcome vcs.MergeOutcome) {
	if outcome.HasConflicts {
		c.JSON(http.StatusConflict, gin.H{
			"message":      "Merge has conflicts",
			"hasConflicts": true,
			"conflicts":    conflictPayloads(outcome.Conflicts),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":       "Merge completed",
		"mergeCommitId": outcome.MergeCommit.CommitID,
	})
}

type createCommitPayload struct {
	RoomID   string          `json:"roomId"`
	BranchID string          `json:"branchId"`
	Message  string          `json:"message"`
	Snapshot snapshotPayload `json:"snapshot"`
}

func (h *httpHandler) handleCreateCommit(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request createCommitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	commit, err := h.versionCtl.CreateCommit(c.Request.Context(), vcs.CommitRequest{
		RoomID:   request.RoomID,
		UserID:   userID,
		Snapshot: vcs.Snapshot{Blocks: request.Snapshot.Blocks, Timestamp: time.Now().UTC()},
		Message:  request.Message,
		BranchID: request.BranchID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"commitId": commit.CommitID, "branchId": commit.BranchID})
}

func (h *httpHandler) handleListCommits(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	commits, err := h.versionCtl.ListCommits(c.Request.Context(), c.Param("roomId"), c.Query("branchId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payloads := make([]gin.H, 0, len(commits))
	for _, commit := range commits {
		payloads = append(payloads, gin.H{
			"commitId":           commit.CommitID,
			"branchId":           commit.BranchID,
			"parentCommitId":     commit.ParentCommitID,
			"authorId":           commit.AuthorID,
			"message":            commit.Message,
			"isMergeCommit":      commit.IsMergeCommit,
			"mergedFromBranchId": commit.MergedFromBranch,
			"createdAt":          commit.CreatedAtSecs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"commits": payloads})
}

func (h *httpHandler) handleRestoreCommit(c *gin.Context) {
	if _, ok := h.requireUser(c); !ok {
		return
	}
	snapshot, err := h.versionCtl.RestoreCommit(c.Request.Context(), c.Param("roomId"), c.Param("commitId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": gin.H{"blocks": blocksOrEmpty(snapshot.Blocks)}})
}

type revertCommitPayload struct {
	RoomID string `json:"roomId"`
}

func (h *httpHandler) handleRevertCommit(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request revertCommitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	commit, err := h.versionCtl.RevertLatestCommit(c.Request.Context(), request.RoomID, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Commit reverted", "success": true, "commitId": commit.CommitID})
}

type setMemberPayload struct {
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	Role      string `json:"role"`
}

func (h *httpHandler) handleSetMember(c *gin.Context) {
	callerID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request setMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	roomID := c.Param("roomId")
	callerRole, err := h.rooms.RoleFor(c.Request.Context(), roomID, callerID)
	if err != nil {
		h.logger.Error("role lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "role_lookup_failed"})
		return
	}
	if !rooms.CanManageBranches(callerRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_or_admin_required"})
		return
	}

	if err := h.rooms.SetMember(c.Request.Context(), roomID, request.UserID, request.UserEmail, rooms.Role(request.Role)); err != nil {
		h.logger.Error("membership update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Member updated", "success": true})
}

func branchPayloadFrom(branch *vcs.Branch) gin.H {
	return gin.H{
		"branchId":       branch.BranchID,
		"roomId":         branch.RoomID,
		"name":           branch.Name,
		"createdBy":      branch.CreatedBy,
		"parentBranchId": branch.ParentBranch,
		"isMain":         branch.IsMain,
		"lastCommitId":   branch.LastCommitID,
		"description":    branch.Description,
	}
}

func conflictPayloads(conflicts []vcs.MergeConflict) []gin.H {
	payloads := make([]gin.H, 0, len(conflicts))
	for _, conflict := range conflicts {
		payload := gin.H{
			"conflictId":     conflict.ConflictID,
			"roomId":         conflict.RoomID,
			"sourceBranchId": conflict.SourceBranchID,
			"targetBranchId": conflict.TargetBranchID,
			"blockId":        conflict.BlockID,
			"conflictType":   conflict.ConflictType,
			"resolved":       conflict.Resolved,
		}
		if conflict.SourceJSON != nil {
			payload["sourceContent"] = jsonRaw(*conflict.SourceJSON)
		}
		if conflict.TargetJSON != nil {
			payload["targetContent"] = jsonRaw(*conflict.TargetJSON)
		}
		if conflict.BaseJSON != nil {
			payload["baseContent"] = jsonRaw(*conflict.BaseJSON)
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func jsonRaw(payload string) json.RawMessage {
	return json.RawMessage(payload)
}

func blocksOrEmpty(blocks []vcs.Block) []vcs.Block {
	if blocks == nil {
		return []vcs.Block{}
	}
	return blocks
}
