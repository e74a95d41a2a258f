package http

import (
	"net/http"
	"os"
	"path/filepath"

	"stagelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// HLSHandler serves playlists and segments written by the egress
// pipeline. Filenames are validated before touching the filesystem.
type HLSHandler struct {
	outputDir string
}

func NewHLSHandler(outputDir string) *HLSHandler {
	return &HLSHandler{outputDir: outputDir}
}

func (h *HLSHandler) SetupRoutes(router *gin.Engine) {
	hls := router.Group("/hls")
	{
		hls.GET("/:room/index.m3u8", h.ServePlaylist)
		hls.GET("/:room/:segment", h.ServeSegment)
	}
}

func (h *HLSHandler) ServePlaylist(c *gin.Context) {
	roomID := c.Param("room")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path := filepath.Join(h.outputDir, roomID, "index.m3u8")
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live playlist for room"})
		return
	}

	// Playlists mutate while the room is live; never cache them.
	c.Header("Cache-Control", "no-cache, no-store")
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.File(path)
}

func (h *HLSHandler) ServeSegment(c *gin.Context) {
	roomID := c.Param("room")
	segment := c.Param("segment")

	if err := validation.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateSegmentFile(segment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path := filepath.Join(h.outputDir, roomID, segment)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "segment not found"})
		return
	}

	// Segments are immutable once written.
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("Content-Type", "video/mp2t")
	c.File(path)
}
