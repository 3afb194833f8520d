package objectstore

import (
	"crypto/md5"
	"encoding/hex"
)

// digestHexLen is the width of one ASCII hex-md5 digest in an index file;
// recordLen is one record's length including the trailing newline.
const (
	digestHexLen = 32
	recordLen    = digestHexLen + 1
)

// Digest returns the hex-md5 primary key for an ActivityPub id URL.
func Digest(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

// shard returns the first two hex characters of a digest, used as the
// on-disk fan-out directory (object/<2hex>/<md5>.json) so no single
// directory accumulates too many entries.
func shard(digest string) string {
	if len(digest) < 2 {
		return "00"
	}
	return digest[:2]
}
