// Package handler exposes a ledger over HTTP with gin.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/blockledger/internal/integrity"
	"github.com/jmerrifield20/blockledger/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes the ledger's caller-facing operations as HTTP
// endpoints.
type LedgerHandler struct {
	ledger  *ledger.Ledger
	monitor *integrity.Monitor
	auth    gin.HandlerFunc
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. Mutating routes are open
// until SetAuth is called.
func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: l,
		auth:   func(c *gin.Context) { c.Next() },
		logger: logger,
	}
}

// SetAuth installs middleware guarding the mutating routes.
func (h *LedgerHandler) SetAuth(mw gin.HandlerFunc) {
	h.auth = mw
}

// SetMonitor enables GET /ledger/integrity.
func (h *LedgerHandler) SetMonitor(m *integrity.Monitor) {
	h.monitor = m
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Validate)
		l.GET("/integrity", h.Integrity)

		l.GET("/blocks", h.ListBlocks)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/blocks/:idx/metadata", h.GetMetadata)
		l.GET("/blocks/:idx/verify", h.VerifyBlock)

		l.GET("/search", h.FindKeyValue)
		l.GET("/search/range", h.FindKeyValueRange)
		l.GET("/search/any", h.FindKeyValueAny)

		l.POST("/blocks", h.auth, h.Append)
		l.POST("/save", h.auth, h.Save)
		l.POST("/load", h.auth, h.Load)
		l.PUT("/autosave", h.auth, h.SetAutosave)
	}
}

// Overview handles GET /ledger: returns the chain length, root hash and
// persistence settings.
func (h *LedgerHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"blocks":            h.ledger.Len(),
		"root":              h.ledger.Root(),
		"location":          h.ledger.Location(),
		"autosave":          h.ledger.Autosave(),
		"autosave_interval": h.ledger.AutosaveInterval(),
	})
}

// Validate handles GET /ledger/verify: walks the full chain and reports
// every failing position.
func (h *LedgerHandler) Validate(c *gin.Context) {
	err := h.ledger.Validate()
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}

	RecordVerificationFailure()
	var ie *ledger.IntegrityError
	positions := []int{}
	if errors.As(err, &ie) {
		positions = ie.Positions
	}
	h.logger.Warn("ledger integrity check failed", zap.Error(err))
	c.JSON(http.StatusOK, gin.H{
		"valid":       false,
		"compromised": positions,
		"error":       err.Error(),
	})
}

// Integrity handles GET /ledger/integrity: returns the monitor's latest
// report.
func (h *LedgerHandler) Integrity(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "integrity monitor not enabled"})
		return
	}
	r, ok := h.monitor.Last()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no verification pass has run yet"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListBlocks handles GET /ledger/blocks. With ?start=&end= it returns a
// positional range; with ?from=&to= (RFC 3339) a time window; otherwise the
// whole chain.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	startStr, hasStart := c.GetQuery("start")
	endStr, hasEnd := c.GetQuery("end")
	fromStr, hasFrom := c.GetQuery("from")
	toStr, hasTo := c.GetQuery("to")

	switch {
	case hasStart || hasEnd:
		start, err1 := strconv.Atoi(startStr)
		end, err2 := strconv.Atoi(endStr)
		if err1 != nil || err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be integers"})
			return
		}
		blocks, err := h.ledger.GetIndexes(start, end)
		if errors.Is(err, ledger.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "blocks": blocks})
			return
		}
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "blocks": blocks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": blocks})

	case hasFrom || hasTo:
		from, err1 := time.Parse(time.RFC3339Nano, fromStr)
		to, err2 := time.Parse(time.RFC3339Nano, toStr)
		if err1 != nil || err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC 3339 timestamps"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": h.ledger.GetDateRange(from, to)})

	default:
		c.JSON(http.StatusOK, gin.H{"blocks": h.ledger.GetChain()})
	}
}

// GetBlock handles GET /ledger/blocks/:idx: returns the payload only if the
// block verifies.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, ok := parseIdx(c)
	if !ok {
		return
	}

	payload, err := h.ledger.GetVerifiedIndex(idx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
	case errors.Is(err, ledger.ErrCompromised):
		RecordVerificationFailure()
		c.JSON(http.StatusConflict, gin.H{"error": "block failed verification", "position": idx})
	case err != nil:
		h.logger.Error("ledger GetVerifiedIndex", zap.Int("position", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read block"})
	default:
		c.JSON(http.StatusOK, payload)
	}
}

// GetMetadata handles GET /ledger/blocks/:idx/metadata.
func (h *LedgerHandler) GetMetadata(c *gin.Context) {
	idx, ok := parseIdx(c)
	if !ok {
		return
	}
	meta, err := h.ledger.GetIndexMetadata(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

// VerifyBlock handles GET /ledger/blocks/:idx/verify.
func (h *LedgerHandler) VerifyBlock(c *gin.Context) {
	idx, ok := parseIdx(c)
	if !ok {
		return
	}
	valid, err := h.ledger.VerifyIndex(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	if !valid {
		RecordVerificationFailure()
	}
	c.JSON(http.StatusOK, gin.H{"position": idx, "valid": valid})
}

// FindKeyValue handles GET /ledger/search?key=&value=&ignore_case=.
func (h *LedgerHandler) FindKeyValue(c *gin.Context) {
	key := c.Query("key")
	value, hasValue := c.GetQuery("value")
	if key == "" || !hasValue {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key and value are required"})
		return
	}
	blocks := h.ledger.FindKeyValue(key, queryValue(value), queryBool(c, "ignore_case"))
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// FindKeyValueRange handles GET /ledger/search/range?key=&lower=&upper=.
func (h *LedgerHandler) FindKeyValueRange(c *gin.Context) {
	key := c.Query("key")
	lower, err1 := strconv.ParseFloat(c.Query("lower"), 64)
	upper, err2 := strconv.ParseFloat(c.Query("upper"), 64)
	if key == "" || err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key, lower and upper are required; lower and upper must be numbers"})
		return
	}

	blocks, err := h.ledger.FindKeyValueRange(key, lower, upper)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "blocks": blocks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// FindKeyValueAny handles GET /ledger/search/any?value=&ignore_case=.
func (h *LedgerHandler) FindKeyValueAny(c *gin.Context) {
	value, hasValue := c.GetQuery("value")
	if !hasValue {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	blocks := h.ledger.FindKeyValueAny(queryValue(value), queryBool(c, "ignore_case"))
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// Append handles POST /ledger/blocks: commits the JSON request body.
func (h *LedgerHandler) Append(c *gin.Context) {
	var body any
	if err := bindJSON(c, &body, false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON"})
		return
	}

	pos, err := h.ledger.Append(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	RecordLedgerAppend(h.ledger.Len())
	if w, ok := WriterFromContext(c); ok {
		h.logger.Debug("block appended", zap.Int("position", pos), zap.String("writer", w.Subject))
	}

	c.JSON(http.StatusCreated, gin.H{"position": pos, "root": h.ledger.Root()})
}

type locationRequest struct {
	Location string `json:"location"`
}

// Save handles POST /ledger/save.
func (h *LedgerHandler) Save(c *gin.Context) {
	var req locationRequest
	if err := bindJSON(c, &req, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.ledger.Save(c.Request.Context(), req.Location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "autosave": h.ledger.Autosave()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": h.ledger.Location(), "blocks": h.ledger.Len()})
}

// Load handles POST /ledger/load.
func (h *LedgerHandler) Load(c *gin.Context) {
	var req locationRequest
	if err := bindJSON(c, &req, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.ledger.Load(c.Request.Context(), req.Location)
	if err != nil {
		status := http.StatusInternalServerError
		resp := gin.H{"error": err.Error(), "autosave": h.ledger.Autosave()}
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			RecordVerificationFailure()
			status = http.StatusConflict
			resp["compromised"] = ie.Positions
		}
		c.JSON(status, resp)
		return
	}
	SetChainLength(h.ledger.Len())
	c.JSON(http.StatusOK, gin.H{"location": h.ledger.Location(), "blocks": h.ledger.Len()})
}

type autosaveRequest struct {
	Enabled  *bool `json:"enabled"`
	Interval *int  `json:"interval"`
}

// SetAutosave handles PUT /ledger/autosave.
func (h *LedgerHandler) SetAutosave(c *gin.Context) {
	var req autosaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Enabled != nil {
		h.ledger.SetAutosave(*req.Enabled)
	}
	if req.Interval != nil {
		h.ledger.SetAutosaveInterval(*req.Interval)
	}
	c.JSON(http.StatusOK, gin.H{
		"autosave":          h.ledger.Autosave(),
		"autosave_interval": h.ledger.AutosaveInterval(),
	})
}

func parseIdx(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}

// queryValue interprets a query parameter as JSON when it parses, so that
// value=42 matches a number and value=true a boolean; anything else is a
// plain string.
func queryValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return s
}

// bindJSON decodes the request body into dst, keeping numbers as
// json.Number. When optional, a missing or empty body leaves dst unchanged;
// chunked bodies are read like any other.
func bindJSON(c *gin.Context, dst any, optional bool) error {
	body := c.Request.Body
	if body == nil || body == http.NoBody {
		if optional {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func queryBool(c *gin.Context, name string) bool {
	b, _ := strconv.ParseBool(c.Query(name))
	return b
}
