package config

import (
	"sort"
	"strings"
)

// regions is the AWS region enumeration rules and profiles may select from.
var regions = map[string]struct{}{
	"af-south-1":     {},
	"ap-east-1":      {},
	"ap-east-2":      {},
	"ap-northeast-1": {},
	"ap-northeast-2": {},
	"ap-northeast-3": {},
	"ap-south-1":     {},
	"ap-south-2":     {},
	"ap-southeast-1": {},
	"ap-southeast-2": {},
	"ap-southeast-3": {},
	"ap-southeast-4": {},
	"ap-southeast-5": {},
	"ap-southeast-7": {},
	"ca-central-1":   {},
	"ca-west-1":      {},
	"cn-north-1":     {},
	"cn-northwest-1": {},
	"eu-central-1":   {},
	"eu-central-2":   {},
	"eu-north-1":     {},
	"eu-south-1":     {},
	"eu-south-2":     {},
	"eu-west-1":      {},
	"eu-west-2":      {},
	"eu-west-3":      {},
	"il-central-1":   {},
	"me-central-1":   {},
	"me-south-1":     {},
	"mx-central-1":   {},
	"sa-east-1":      {},
	"us-east-1":      {},
	"us-east-2":      {},
	"us-gov-east-1":  {},
	"us-gov-west-1":  {},
	"us-west-1":      {},
	"us-west-2":      {},
}

// regionAliases maps legacy enum names that do not follow the
// UPPER_SNAKE form of the region id.
var regionAliases = map[string]string{
	"GOVCLOUD": "us-gov-west-1",
}

// Regions returns the known region ids in sorted order.
func Regions() []string {
	out := make([]string, 0, len(regions))
	for r := range regions {
		out = append(out, r)
	}

	sort.Strings(out)

	return out
}

// NormalizeRegion converts a region id or its enum name form (US_EAST_1)
// to the region id and reports whether it is known.
func NormalizeRegion(region string) (string, bool) {
	region = strings.TrimSpace(region)

	if alias, ok := regionAliases[strings.ToUpper(region)]; ok {
		return alias, true
	}

	id := strings.ToLower(strings.ReplaceAll(region, "_", "-"))
	if _, ok := regions[id]; ok {
		return id, true
	}

	return region, false
}
