package childpool

import (
	"encoding/binary"
	"fmt"
)

// Key layout (byte-wise, lexicographically sortable):
// - childpool/lease/{docKey}                    -> Lease
// - childpool/lease_idx/{expires_ms}/{docKey}    -> docKey (expiry scan)
// - childpool/kit/{kitID}                        -> Kit (liveness registry)
// - childpool/kit_idx/{expires_ms}/{kitID}       -> kitID (expiry scan)
// - childpool/history/{docKey}/{seq_be8}        -> SaveRecord
// - childpool/history_meta/{docKey}             -> HistoryMeta

const (
	prefixLease      = "childpool/lease/"
	prefixLeaseIdx   = "childpool/lease_idx/"
	prefixKit        = "childpool/kit/"
	prefixKitIdx     = "childpool/kit_idx/"
	prefixHistory    = "childpool/history/"
	prefixHistoryMD  = "childpool/history_meta/"
)

func leaseKey(docKey string) []byte {
	return []byte(prefixLease + docKey)
}

func leaseIdxKey(expiresMs int64, docKey string) []byte {
	key := make([]byte, 0, len(prefixLeaseIdx)+8+len(docKey))
	key = append(key, prefixLeaseIdx...)
	key = appendBE8(key, uint64(expiresMs))
	key = append(key, docKey...)
	return key
}

func leaseIdxPrefix() []byte { return []byte(prefixLeaseIdx) }

func kitKey(kitID string) []byte {
	return []byte(prefixKit + kitID)
}

func kitIdxKey(expiresMs int64, kitID string) []byte {
	key := make([]byte, 0, len(prefixKitIdx)+8+len(kitID))
	key = append(key, prefixKitIdx...)
	key = appendBE8(key, uint64(expiresMs))
	key = append(key, kitID...)
	return key
}

func kitIdxPrefix() []byte { return []byte(prefixKitIdx) }
func kitPrefix() []byte    { return []byte(prefixKit) }

func historyKey(docKey string, seq uint64) []byte {
	key := make([]byte, 0, len(prefixHistory)+len(docKey)+9)
	key = append(key, prefixHistory...)
	key = append(key, docKey...)
	key = append(key, '/')
	key = appendBE8(key, seq)
	return key
}

func historyPrefix(docKey string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixHistory, docKey))
}

func historyMetaKey(docKey string) []byte {
	return []byte(prefixHistoryMD + docKey)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}
