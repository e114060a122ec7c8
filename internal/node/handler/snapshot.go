package handler

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/snapshot"
)

// SnapshotHandler serves committed snapshot files to remote readers through
// the redirect + byte-range protocol. The snapshot directory listing is
// re-read per request, so snapshots committed concurrently are picked up
// without restarts; committed files are immutable, so range reads need no
// synchronization with the writer.
type SnapshotHandler struct {
	dir    string
	logger *zap.Logger
}

// NewSnapshotHandler creates a SnapshotHandler over the snapshot directory.
func NewSnapshotHandler(dir string, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{dir: dir, logger: logger}
}

// Register mounts the snapshot routes on the given router group.
func (h *SnapshotHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/snapshot", h.Redirect)
	rg.HEAD("/snapshot", h.Redirect)
	rg.GET("/snapshot/:name", h.Serve)
	rg.HEAD("/snapshot/:name", h.Serve)
}

// Redirect handles GET|HEAD /node/snapshot?since=N: resolves the latest
// committed snapshot with index greater than since (default 0) and answers
// with a permanent redirect to its file, or 404 when none exists.
func (h *SnapshotHandler) Redirect(c *gin.Context) {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errorBody(c, http.StatusBadRequest, fmt.Sprintf("Unable to parse since value %s", raw))
			return
		}
		since = v
	}

	info, ok := snapshot.Resolve(h.dir, since)
	if !ok {
		errorBody(c, http.StatusNotFound, fmt.Sprintf("No committed snapshot newer than index %d", since))
		return
	}
	c.Header("location", c.Request.URL.Path+"/"+info.Name)
	c.Status(http.StatusPermanentRedirect)
}

// Serve handles GET|HEAD /node/snapshot/<name>. HEAD reports the total size
// and range support; GET with a Range header returns the exact byte slice as
// 206 Partial Content, and the whole file otherwise.
func (h *SnapshotHandler) Serve(c *gin.Context) {
	name := c.Param("name")
	info, ok := snapshot.ParseName(name)
	if !ok || !info.Committed {
		errorBody(c, http.StatusNotFound, fmt.Sprintf("%s is not a committed snapshot", name))
		return
	}

	f, err := os.Open(info.Path(h.dir))
	if err != nil {
		if os.IsNotExist(err) {
			errorBody(c, http.StatusNotFound, fmt.Sprintf("Snapshot %s not found", name))
			return
		}
		h.logger.Error("open snapshot", zap.String("snapshot", name), zap.Error(err))
		errorBody(c, http.StatusInternalServerError, "failed to open snapshot")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		h.logger.Error("stat snapshot", zap.String("snapshot", name), zap.Error(err))
		errorBody(c, http.StatusInternalServerError, "failed to stat snapshot")
		return
	}
	totalSize := st.Size()
	c.Header("accept-ranges", "bytes")

	if c.Request.Method == http.MethodHead {
		c.Header("content-length", strconv.FormatInt(totalSize, 10))
		c.Status(http.StatusOK)
		return
	}

	rangeHeader := c.GetHeader("range")
	if rangeHeader == "" {
		c.DataFromReader(http.StatusOK, totalSize, "application/octet-stream", f, nil)
		return
	}

	r, err := parseRangeHeader(rangeHeader, totalSize)
	if err != nil {
		errorBody(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		h.logger.Error("seek snapshot", zap.String("snapshot", name), zap.Error(err))
		errorBody(c, http.StatusInternalServerError, "failed to seek snapshot")
		return
	}
	recordSnapshotBytesServed(r.len())
	c.DataFromReader(http.StatusPartialContent, r.len(), "application/octet-stream",
		io.LimitReader(f, r.len()), nil)
}

// errorBody writes the protocol's JSON error envelope.
func errorBody(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"message": msg}})
}
