package matching

import (
	"time"

	"github.com/soizicle69/LiberTalk/internal/presence"
)

// Score weights. The score is diagnostic: it records how good a pairing
// was, it never decides correctness. Tier order already encodes the
// preference ranking.
const (
	languageBonus  = 25.0
	continentBonus = 15.0

	waitBonusPerInterval = 1.0
	waitBonusInterval    = 5 * time.Second
	waitBonusCap         = 30.0

	qualityBonusCap = 10.0
)

// tierBaseScores maps tier number (1..6) to its base score.
var tierBaseScores = map[int]float64{
	1: 100,
	2: 80,
	3: 60,
	4: 50,
	5: 30,
	6: 10,
}

// distanceBucketBonus rewards physical proximity when both sides shared a
// location.
func distanceBucketBonus(distanceKm float64) float64 {
	switch {
	case distanceKm <= 50:
		return 30
	case distanceKm <= 200:
		return 20
	case distanceKm <= 500:
		return 10
	default:
		return 0
	}
}

// ScorePair computes the diagnostic score for pairing requester with
// candidate at the given tier.
func ScorePair(tier int, requester, candidate *presence.Entry, distanceKm float64, hasDistance bool, now time.Time) float64 {
	score := tierBaseScores[tier]

	if requester.Language != "" && requester.Language == candidate.Language {
		score += languageBonus
	}
	if requester.Continent != "" && requester.Continent == candidate.Continent {
		score += continentBonus
	}
	if hasDistance {
		score += distanceBucketBonus(distanceKm)
	}

	// Older waiters score higher so long waits are visible in diagnostics.
	wait := candidate.WaitDuration(now)
	waitBonus := float64(wait/waitBonusInterval) * waitBonusPerInterval
	if waitBonus > waitBonusCap {
		waitBonus = waitBonusCap
	}
	score += waitBonus

	quality := float64(candidate.ConnectionQuality) / 10
	if quality > qualityBonusCap {
		quality = qualityBonusCap
	}
	score += quality

	return score
}
