package migration

import "strings"

// The platform represents the shared, project-less scope two ways: numerically
// in stored ids and by name in directory paths.
const (
	PublicProjectID   = "-999"
	PublicProjectName = "public"
)

// ToPublic converts the sentinel id to its directory form.
func ToPublic(projectID string) string {
	if strings.TrimSpace(projectID) == PublicProjectID {
		return PublicProjectName
	}
	return projectID
}

// ToSentinel converts the directory form back to the stored id.
func ToSentinel(projectID string) string {
	if strings.TrimSpace(projectID) == PublicProjectName {
		return PublicProjectID
	}
	return projectID
}
