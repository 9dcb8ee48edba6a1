package storage

import (
	"path"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

var contentTypes = []interfaces.ContentType{
	interfaces.ManifestType,
	interfaces.SignatureType,
	interfaces.ObjectType,
}

// directoryFor returns the namespace used by every backend for a content type.
func directoryFor(contentType interfaces.ContentType) string {
	return contentType.String() + "s"
}

// objectKey is the backend independent key of a content item.
func objectKey(prefix string, id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(prefix, directoryFor(contentType), id.String())
}
