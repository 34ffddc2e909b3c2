package server

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avacache/internal/backup"
)

type restoreRequest struct {
	Path       string `json:"path" binding:"required"`
	ClearFirst bool   `json:"clearFirst"`
}

func (s *Server) listBackups(c *gin.Context) {
	if s.deps.Backups == nil {
		fail(c, errBackupsDisabled)
		return
	}

	infos, err := s.deps.Backups.ListBackups()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": infos})
}

func (s *Server) createBackup(c *gin.Context) {
	if s.deps.Backups == nil {
		fail(c, errBackupsDisabled)
		return
	}

	path, err := s.deps.Backups.CreateBackup(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// restoreBackup only accepts names of files in the backup directory.
// The local tier is dropped afterwards so reads see the restored values.
func (s *Server) restoreBackup(c *gin.Context) {
	if s.deps.Backups == nil {
		fail(c, errBackupsDisabled)
		return
	}

	var req restoreRequest
	if !bindJSON(c, &req) {
		return
	}
	if filepath.Base(req.Path) != req.Path || req.Path == "." || req.Path == ".." {
		fail(c, errBackupPath)
		return
	}

	n, err := s.deps.Backups.RestoreBackup(c.Request.Context(), req.Path, backup.RestoreOptions{
		ClearFirst: req.ClearFirst,
	})
	if err != nil {
		fail(c, err)
		return
	}
	s.deps.Store.PurgeLocal()
	c.JSON(http.StatusOK, gin.H{"restored": n})
}
