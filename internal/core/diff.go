package core

import (
	"reflect"
	"sort"
)

// ChangedKeys lists flag keys that were added, removed or modified between
// two rulesets, sorted for stable output.
func ChangedKeys(previous Ruleset, next Ruleset) []string {
	changed := make([]string, 0)
	for key, flag := range next.Flags {
		old, ok := previous.Flags[key]
		if !ok || !reflect.DeepEqual(old, flag) {
			changed = append(changed, key)
		}
	}
	for key := range previous.Flags {
		if _, ok := next.Flags[key]; !ok {
			changed = append(changed, key)
		}
	}

	sort.Strings(changed)
	return changed
}
