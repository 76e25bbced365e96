package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ipfs/go-cid"

	"github.com/synochain/synochain/internal/hash"
	"github.com/synochain/synochain/internal/ledger"
)

type cidRequest struct {
	CID string `json:"cid" binding:"required"`
}

type commitmentRequest struct {
	Commitment string `json:"commitment" binding:"required"`
}

func (s *Server) bindCID(c *gin.Context) (string, bool) {
	var req cidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Request body must contain a cid"})
		return "", false
	}

	if s.opts.StrictCID {
		if _, err := cid.Decode(req.CID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid CID: " + err.Error(), "cid": req.CID})
			return "", false
		}
	}

	return req.CID, true
}

// POST /api/anchor
func (s *Server) handleAnchor(c *gin.Context) {
	contentID, ok := s.bindCID(c)
	if !ok {
		return
	}

	commitment := s.ledger.Anchor(contentID)

	if !s.opts.FlushOnAnchor {
		c.JSON(http.StatusAccepted, gin.H{
			"success":   true,
			"message":   "CID queued for the next block",
			"cid":       contentID,
			"hashedCid": commitment,
			"pending":   len(s.ledger.Pending()),
		})
		return
	}

	block, err := s.ledger.Flush(c.Request.Context())
	var warning string
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrPersist):
		warning = "block sealed but not persisted"
	case errors.Is(err, ledger.ErrNothingPending):
		// A concurrent flush already sealed this commitment.
	case errors.Is(err, ledger.ErrSealAborted):
		s.logger.Warn("Anchor sealing aborted", "cid", contentID, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success":   false,
			"message":   "Sealing aborted, commitment stays queued",
			"cid":       contentID,
			"hashedCid": commitment,
		})
		return
	default:
		s.logger.Error("Anchor flush failed", "cid", contentID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}

	if block == nil || !block.Contains(commitment) {
		block, _ = s.ledger.FindBlockContaining(commitment)
	}

	resp := gin.H{
		"success":   true,
		"message":   "CID anchored",
		"cid":       contentID,
		"hashedCid": commitment,
		"block":     block,
	}
	if warning != "" {
		resp["warning"] = warning
	}
	c.JSON(http.StatusCreated, resp)
}

// POST /api/commitments
func (s *Server) handleSubmitCommitment(c *gin.Context) {
	var req commitmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Request body must contain a commitment"})
		return
	}
	if !hash.IsDigest(req.Commitment) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Commitment must be a lowercase SHA-256 hex digest"})
		return
	}

	s.ledger.Submit(req.Commitment)
	c.JSON(http.StatusAccepted, gin.H{
		"success":    true,
		"commitment": req.Commitment,
		"pending":    len(s.ledger.Pending()),
	})
}

// POST /api/flush
func (s *Server) handleFlush(c *gin.Context) {
	block, err := s.ledger.Flush(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"success": true, "block": block})
	case errors.Is(err, ledger.ErrPersist):
		c.JSON(http.StatusCreated, gin.H{"success": true, "block": block, "warning": "block sealed but not persisted"})
	case errors.Is(err, ledger.ErrNothingPending):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
	case errors.Is(err, ledger.ErrSealAborted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": err.Error()})
	default:
		s.logger.Error("Flush failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
	}
}

// POST /api/verify
func (s *Server) handleVerify(c *gin.Context) {
	contentID, ok := s.bindCID(c)
	if !ok {
		return
	}

	block, found := s.ledger.FindCID(contentID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "Integrity check failed. No matching CID found in blockchain.",
			"cid":     contentID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "File integrity verified! CID exists in blockchain.",
		"cid":        contentID,
		"blockHash":  block.Hash,
		"blockIndex": block.Index,
		"block":      block,
	})
}

// GET /api/blocks
func (s *Server) handleGetBlocks(c *gin.Context) {
	blocks := s.ledger.Blocks()
	c.JSON(http.StatusOK, gin.H{
		"height": len(blocks),
		"chain":  blocks,
	})
}

// GET /api/blocks/:index
func (s *Server) handleGetBlock(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Block index must be a non-negative integer"})
		return
	}

	block, err := s.ledger.Block(index)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, block)
}

// GET /api/proof/:commitment
func (s *Server) handleGetProof(c *gin.Context) {
	commitment := c.Param("commitment")
	if !hash.IsDigest(commitment) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Commitment must be a lowercase SHA-256 hex digest"})
		return
	}

	inclusion, err := s.ledger.Prove(commitment)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, inclusion)
}

// GET /api/chain/validate
func (s *Server) handleValidateChain(c *gin.Context) {
	err := s.ledger.Verify()
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"valid": true, "blocks": s.ledger.Len()})
		return
	}

	resp := gin.H{"valid": false, "blocks": s.ledger.Len(), "error": err.Error()}
	if ie := ledger.AsIntegrityError(err); ie != nil {
		resp["blockIndex"] = ie.Index
	}
	c.JSON(http.StatusOK, resp)
}

// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	tip := s.ledger.Tip()
	resp := gin.H{
		"status":     "ok",
		"blocks":     s.ledger.Len(),
		"pending":    len(s.ledger.Pending()),
		"difficulty": s.ledger.Difficulty(),
		"tip":        tip.Hash,
	}
	if s.auditor != nil {
		if last := s.auditor.LastResult(); last != nil {
			resp["lastAudit"] = last
		}
	}
	if err := s.ledger.RecoveryErr(); err != nil {
		resp["recovered"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
