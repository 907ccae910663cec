package speaker

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var descriptorCompare = cmp.Options{cmpopts.EquateEmpty()}

// Diff reports how the descriptor read back from a switch differs from the
// expected one. An empty string means they match.
func Diff(expected Payload, actual *Payload) string {
	if actual == nil || actual.kind == "" {
		return fmt.Sprintf("%s is missing on the switch", expected.Key())
	}
	if expected.kind != actual.kind {
		return fmt.Sprintf("expected a %s, switch reported a %s", expected.kind, actual.kind)
	}
	switch expected.kind {
	case PayloadRule:
		return cmp.Diff(expected.rule, actual.rule, descriptorCompare)
	case PayloadMeter:
		return cmp.Diff(expected.meter, actual.meter, descriptorCompare)
	case PayloadGroup:
		return cmp.Diff(expected.group, actual.group, descriptorCompare)
	}
	return ""
}
