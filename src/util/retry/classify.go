package retry

import (
	"context"
	"errors"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/jackc/pgx/v5/pgconn"
)

// Substrings of error texts that indicate a condition worth retrying.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route",
	"eof",
	"dial tcp",
	"i/o timeout",
	"too many connections",
	"pool exhausted",
	"server is overloaded",
	"temporarily unavailable",
}

var matcher *ahocorasick.Trie

func init() {
	matcher = ahocorasick.NewTrieBuilder().
		AddStrings(transientPatterns).
		Build()
}

// Transient is the default classifier. Context cancellation and deadline
// expiry are never transient. PostgreSQL errors are classified by SQLSTATE
// class, everything else by error text.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case strings.HasPrefix(pgErr.Code, "40"): // serialization failure, deadlock detected
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		default:
			return false
		}
	}

	return matcher.MatchFirstString(strings.ToLower(err.Error())) != nil
}
