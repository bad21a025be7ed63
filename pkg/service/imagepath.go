package service

import (
	"path/filepath"

	"github.com/quaydisk/snapstore/pkg/types"
)

// generateCDPImagePath builds the path for a new CDP storage file,
// matching ImagePathGenerator.generate_cdp.
func generateCDPImagePath(folder, newIdent string) string {
	return filepath.Join(folder, newIdent+".cdp")
}

// generateNewQcowImagePath builds a fresh, unique qcow file path in
// folder, matching ImagePathGenerator.generate_new_qcow.
func generateNewQcowImagePath(folder string) string {
	return filepath.Join(folder, types.NewIdent()+".qcow")
}

// generateQcowImagePath decides whether the new storage can reuse its
// parent's image file or needs a fresh one, matching
// ImagePathGenerator.generate_qcow: a fresh file is required whenever
// disk size, folder, or type differ from the parent, or the parent's
// file is already being written by someone else.
func (s *Service) generateQcowImagePath(parent *types.SnapshotStorage, folder string, newDiskBytes int64) string {
	if parent == nil {
		return generateNewQcowImagePath(folder)
	}
	parentFolder, _ := filepath.Split(parent.ImagePath)
	if newDiskBytes != parent.DiskBytes ||
		parent.Type != types.StorageTypeQCOW ||
		filepath.Clean(folder) != filepath.Clean(parentFolder) ||
		s.RefMgr.IsStorageWriting(parent.ImagePath) {
		return generateNewQcowImagePath(folder)
	}
	return parent.ImagePath
}
