package tracker

import "github.com/pkg/errors"

var (
	ErrInvalidHashLength     = errors.New("info_hash must be 20 or 32 bytes")
	ErrMissingPeerID         = errors.New("missing peer_id")
	ErrInvalidPort           = errors.New("invalid port")
	ErrTorrentNotRegistered  = errors.New("torrent not registered")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrDatabaseClosed        = errors.New("database closed")
)
