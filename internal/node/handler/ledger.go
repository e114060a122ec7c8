package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/pipeline"
	"github.com/sealbase/sealbase/internal/snapshot"
)

// LedgerHandler exposes read-only ledger endpoints, the application write
// path, and the governance-triggered actions (force chunk, trigger snapshot).
type LedgerHandler struct {
	store  *chunkstore.Store
	pipe   *pipeline.Pipeline
	snaps  *snapshot.Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(store *chunkstore.Store, pipe *pipeline.Pipeline, snaps *snapshot.Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{store: store, pipe: pipe, snaps: snaps, logger: logger}
}

// Register mounts the read and app routes on rg and the governance routes on
// gov (which the caller guards with the operator auth middleware).
func (h *LedgerHandler) Register(rg, gov *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/chunks", h.Chunks)
	}
	rg.POST("/log", h.AppendLog)

	gov.POST("/chunk", h.ForceChunk)
	gov.POST("/snapshot", h.TriggerSnapshot)
}

// Overview handles GET /node/ledger: the ledger tail, committed seqno, and
// current view.
func (h *LedgerHandler) Overview(c *gin.Context) {
	chunks, err := h.store.Chunks()
	if err != nil {
		h.logger.Error("list chunks", zap.Error(err))
		errorBody(c, http.StatusInternalServerError, "failed to list chunks")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tail_seqno":      h.store.LastWritten(),
		"committed_seqno": h.store.CommittedSeqno(),
		"view":            h.pipe.View(),
		"chunks":          len(chunks),
	})
}

type chunkResponse struct {
	Name      string `json:"name"`
	First     uint64 `json:"first_seqno"`
	Last      uint64 `json:"last_seqno,omitempty"`
	Open      bool   `json:"open"`
	Committed bool   `json:"committed"`
	Recovery  bool   `json:"recovery,omitempty"`
}

// Chunks handles GET /node/ledger/chunks: the chunk listing across the
// primary and read-only directories.
func (h *LedgerHandler) Chunks(c *gin.Context) {
	chunks, err := h.store.Chunks()
	if err != nil {
		h.logger.Error("list chunks", zap.Error(err))
		errorBody(c, http.StatusInternalServerError, "failed to list chunks")
		return
	}
	resp := make([]chunkResponse, 0, len(chunks))
	for _, ch := range chunks {
		resp = append(resp, chunkResponse{
			Name:      ch.Name(),
			First:     ch.First,
			Last:      ch.Last,
			Open:      ch.IsOpen(),
			Committed: ch.Committed,
			Recovery:  ch.Recovery,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chunks": resp})
}

type appendLogRequest struct {
	Table   string            `json:"table"`
	Entries map[string]string `json:"entries" binding:"required"`
	Private string            `json:"private,omitempty"`
}

// AppendLog handles POST /app/log, the demo application write path: public
// key/value writes submitted through the execution pipeline.
func (h *LedgerHandler) AppendLog(c *gin.Context) {
	var req appendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorBody(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Table == "" {
		req.Table = "public:records"
	}
	entries := make(map[string][]byte, len(req.Entries))
	for k, v := range req.Entries {
		entries[k] = []byte(v)
	}
	var private []byte
	if req.Private != "" {
		private = []byte(req.Private)
	}

	seqno, err := h.pipe.Submit(map[string]map[string][]byte{req.Table: entries}, private)
	if err != nil {
		if errors.Is(err, chunkstore.ErrOutOfOrder) {
			h.logger.Error("append out of order", zap.Error(err))
			errorBody(c, http.StatusInternalServerError, err.Error())
			return
		}
		errorBody(c, http.StatusBadRequest, err.Error())
		return
	}
	recordTransactionAppended()
	c.JSON(http.StatusOK, gin.H{"seqno": seqno})
}

// ForceChunk handles POST /gov/chunk: requests that the current chunk close
// at the next signature transaction. Idempotent.
func (h *LedgerHandler) ForceChunk(c *gin.Context) {
	h.store.RequestRotation()
	recordChunkForced()
	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"tail_seqno": h.store.LastWritten(),
	})
}

type triggerSnapshotRequest struct {
	AtSeqno uint64 `json:"at_seqno"`
}

// TriggerSnapshot handles POST /gov/snapshot: requests a snapshot at the
// next eligible signature. Returns 409 while a capture is already pending.
func (h *LedgerHandler) TriggerSnapshot(c *gin.Context) {
	var req triggerSnapshotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorBody(c, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := h.snaps.Trigger(req.AtSeqno); err != nil {
		if errors.Is(err, snapshot.ErrAlreadyInProgress) {
			errorBody(c, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("trigger snapshot", zap.Error(err))
		errorBody(c, http.StatusInternalServerError, err.Error())
		return
	}
	recordSnapshotTriggered()
	c.JSON(http.StatusOK, gin.H{
		"status":   "accepted",
		"at_seqno": req.AtSeqno,
	})
}
