package artifact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	tempPrefix    = "jobs/"
	projectPrefix = "projects/"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidProjectID reports whether id is usable as a key segment.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// ValidKey rejects keys that could escape their namespace.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// TempUploadKey is where an upload waits until its job finishes.
func TempUploadKey(jobID uuid.UUID, ext string) string {
	return tempPrefix + jobID.String() + strings.ToLower(ext)
}

// IsTempKey reports whether key lives in the job-scoped upload namespace.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, tempPrefix) && ValidKey(key) == nil
}

func ProjectPrefix(projectID string) string {
	return projectPrefix + projectID + "/"
}

func PointCloudThumbnailKey(projectID string) string {
	return ProjectPrefix(projectID) + "thumbnail.png"
}

func PointCloudPrefix(projectID string) string {
	return ProjectPrefix(projectID) + "pointcloud/"
}

// PointCloudMetadataKey is the entry point of the converted octree.
func PointCloudMetadataKey(projectID string) string {
	return PointCloudPrefix(projectID) + "metadata.json"
}

func OrthoKey(projectID string) string {
	return ProjectPrefix(projectID) + "ortho/ortho.tif"
}

func OrthoThumbnailKey(projectID string) string {
	return ProjectPrefix(projectID) + "ortho/ortho_thumbnail.png"
}
