// Package tier resolves subscription tiers to resource ceilings.
package tier

type Tier string

const (
	Free     Tier = "free"
	Pro      Tier = "pro"
	Business Tier = "business"
)

// Unbounded marks a ceiling with no limit.
const Unbounded = -1

type Limits struct {
	MaxBoards           int
	MaxRequestsPerBoard int
}

func LimitsFor(t Tier) Limits {
	switch t {
	case Pro, Business:
		return Limits{MaxBoards: Unbounded, MaxRequestsPerBoard: Unbounded}
	default:
		return Limits{MaxBoards: 1, MaxRequestsPerBoard: 100}
	}
}

func Normalize(raw string) Tier {
	switch Tier(raw) {
	case Free, Pro, Business:
		return Tier(raw)
	default:
		return Free
	}
}
