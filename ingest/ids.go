package ingest

import (
	"math/big"
	"sort"
	"strings"

	"github.com/vinayprograms/replykit/social"
)

// CompareIDs orders post ids numerically. Ids that are not decimal
// integers fall back to string order.
func CompareIDs(a, b string) int {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if okA && okB {
		return x.Cmp(y)
	}
	return strings.Compare(a, b)
}

// SortMentions orders mentions oldest first.
func SortMentions(ms []social.Mention) {
	sort.SliceStable(ms, func(i, j int) bool {
		return CompareIDs(ms[i].ID, ms[j].ID) < 0
	})
}
