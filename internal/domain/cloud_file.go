package domain

import (
	"fmt"
	"strings"
)

// mimeExtensions maps supported mime types onto cloud file name extensions.
var mimeExtensions = map[string]string{
	"text/plain":                     "txt",
	"application/json":               "json",
	"application/octet-stream":       "bin",
	"image/jpeg":                     "jpeg",
	"image/png":                      "png",
	"image/gif":                      "gif",
	"image/heic":                     "heic",
	"video/mp4":                      "mp4",
	"video/quicktime":                "mov",
	"application/pdf":                "pdf",
	"application/vnd.syncserver.url": "url",
}

// IsSupportedMimeType reports whether files of the mime type can be uploaded.
func IsSupportedMimeType(mimeType string) bool {
	_, ok := mimeExtensions[strings.ToLower(mimeType)]
	return ok
}

// CloudFileName returns the object name under which a file version is stored in the
// owner's cloud storage: <fileUUID>.<deviceUUID>.<fileVersion>[.<ext>].
func CloudFileName(deviceUUID, fileUUID, mimeType string, fileVersion int32) string {
	name := fmt.Sprintf("%s.%s.%d", fileUUID, deviceUUID, fileVersion)
	if ext, ok := mimeExtensions[strings.ToLower(mimeType)]; ok {
		name += "." + ext
	}
	return name
}

// GoneReason explains why a file can no longer be served.
type GoneReason string

const (
	// GoneReasonFileRemovedOrRenamed means the cloud object is missing.
	GoneReasonFileRemovedOrRenamed GoneReason = "fileRemovedOrRenamed"

	// GoneReasonAuthTokenExpiredOrRevoked means the owner's cloud credentials stopped working.
	GoneReasonAuthTokenExpiredOrRevoked GoneReason = "authTokenExpiredOrRevoked"

	// GoneReasonUserRemoved means the v0 owner no longer exists.
	GoneReasonUserRemoved GoneReason = "userRemoved"
)
