package storagebinding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	jwt "github.com/golang-jwt/jwt/v5"

	pebblestore "github.com/rzbill/inkbroker/internal/storage/pebble"
)

// TokenLedger is the persistent single-use record of WOPI access
// tokens: tokens(token PRIMARY KEY, expires INTEGER). Single-use vs.
// first-seen replay semantics is decided here as genuine single-use: Claim
// holds the ledger's mutex across its check and its insert, so two
// concurrent claims of one token cannot both succeed.
type TokenLedger struct {
	mu sync.Mutex
	db *pebblestore.DB
}

const tokenPrefix = "tokens/"

// NewTokenLedger opens a TokenLedger over db.
func NewTokenLedger(db *pebblestore.DB) *TokenLedger {
	return &TokenLedger{db: db}
}

func tokenKey(token string) []byte {
	return []byte(tokenPrefix + token)
}

// expiresAt extracts the JWT `exp` claim without verifying the
// signature: token authority belongs to the WOPI host, not this
// process, which only needs the expiry for its own ledger housekeeping.
func expiresAt(token string) int64 {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0
	}
	exp, ok := claims["exp"]
	if !ok {
		return 0
	}
	switch v := exp.(type) {
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Claim records token's first use. It returns alreadyUsed=true (and
// does not modify the ledger) if the token was previously claimed;
// docpass=true bypasses the replay check entirely, the `docpass=yes`
// exception for documents opened without an access token.
func (l *TokenLedger) Claim(token string, docpass bool) (alreadyUsed bool, err error) {
	if docpass {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tokenKey(token)
	if _, err := l.db.Get(key); err == nil {
		return true, nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("check token: %w", err)
	}

	exp := expiresAt(token)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(exp))
	if err := l.db.Set(key, buf[:]); err != nil {
		return false, fmt.Errorf("claim token: %w", err)
	}
	return false, nil
}

// Prune removes ledger entries whose expiry has passed, keeping the
// table from growing without bound.
func (l *TokenLedger) Prune() (int, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(tokenPrefix),
		UpperBound: append([]byte(tokenPrefix), 0xff),
	})
	if err != nil {
		return 0, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	now := time.Now().Unix()
	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(iter.Value()))
		if exp != 0 && exp < now {
			key := append([]byte(nil), iter.Key()...)
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		if err := l.db.Delete(key); err != nil {
			return len(stale), fmt.Errorf("delete stale token: %w", err)
		}
	}
	return len(stale), nil
}
