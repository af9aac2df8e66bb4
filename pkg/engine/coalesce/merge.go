package coalesce

import (
	"reflect"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// mergeRows combines branch payloads. Branches must be in declared order.
//
// union: every field from every branch in one map. When branches disagree on
// a field, the earliest branch wins and the field is reported as a conflict.
// nested: each payload under its branch name.
func mergeRows(strategy domain.MergeStrategy, branches []*domain.Token) (domain.Row, []string) {
	out := make(domain.Row)

	if strategy == domain.MergeNested {
		for _, tok := range branches {
			out[tok.BranchName] = map[string]any(tok.RowData.Clone())
		}
		return out, nil
	}

	var conflicts []string
	for _, tok := range branches {
		for k, v := range tok.RowData {
			existing, seen := out[k]
			if !seen {
				out[k] = v
				continue
			}
			if !reflect.DeepEqual(existing, v) {
				conflicts = append(conflicts, k)
			}
		}
	}
	return out.Clone(), sortedUnique(conflicts)
}
