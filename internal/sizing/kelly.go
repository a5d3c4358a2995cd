// Package sizing implements Kelly-criterion position sizing over a
// rolling trade-result history, with a multi-level fallback ladder for
// when the history is too thin or the formula degenerates.
package sizing

import (
	"math"
	"sync"
	"time"

	"bitbank-mm/pkg/types"
)

// Params configures one Kelly sizer instance. Fields mirror spec.md §6's
// risk config group; Validate checks SafetyFactor, Cap and
// MinTradesForKelly only.
type Params struct {
	SafetyFactor        float64       // applied to the raw Kelly fraction, [0.1, 1.0]
	Cap                 float64       // hard ceiling on the recommended fraction, [0.001, 0.1]
	MinTradesForKelly   int           // [5, 100]
	LookbackDays        int           // default 30
	InitialPositionSize float64       // fixed lot used before MinTradesForKelly samples exist
	MinTradeSize        float64       // venue minimum tradable amount, floor for the initial lot
	MaxOrderSize        float64       // hard safety ceiling independent of Cap
	FallbackMinRatio    float64       // default 0.01
	FallbackMaxRatio    float64       // default 0.10
	EmergencyRatio      float64       // default 0.005
	EmergencyStopRatio  float64       // default 0.98, fraction of entry price
	FallbackStopRatio   float64       // default 0.95
}

// Validate checks Params against the ranges spec.md names.
func (p Params) Validate() error {
	if p.SafetyFactor < 0.1 || p.SafetyFactor > 1.0 {
		return errInvalidParam("safety_factor must be in [0.1, 1.0]")
	}
	if p.Cap < 0.001 || p.Cap > 0.1 {
		return errInvalidParam("cap must be in [0.001, 0.1]")
	}
	if p.MinTradesForKelly < 5 || p.MinTradesForKelly > 100 {
		return errInvalidParam("min_trades_for_kelly must be in [5, 100]")
	}
	return nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return string(e) }

// Result is the outcome of calculateFromHistory.
type Result struct {
	KellyFraction      float64
	WinRate            float64
	AvgWinLossRatio    float64
	SafetyAdjusted     float64
	RecommendedSize    float64
	SampleSize         int
	ConfidenceLevel    float64
}

// Sizer accumulates TradeResults and computes recommended position
// fractions from them. Safe for concurrent use.
type Sizer struct {
	mu      sync.RWMutex
	params  Params
	history []types.TradeResult
}

// New creates a Sizer. Callers should check Validate before use; an
// invalid Params still produces a Sizer so callers can choose to log and
// continue with conservative fallback behavior instead of failing hard.
func New(p Params) *Sizer {
	return &Sizer{params: p}
}

// Record appends one trade result to the rolling history.
func (s *Sizer) Record(tr types.TradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, tr)
}

// CalculateKellyFraction implements f = (b*p - q) / b, clamped to [0,1].
// Returns 0 for any degenerate input (avgLoss <= 0, winRate outside
// (0,1)).
func CalculateKellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 || winRate <= 0 || winRate >= 1 {
		return 0
	}
	b := avgWin / avgLoss
	p := winRate
	q := 1 - winRate

	f := (b*p - q) / b
	return math.Max(0, math.Min(1, f))
}

// calculateFromHistory filters the history to lookbackDays (relative to
// now) and an optional strategy tag, and requires at least
// MinTradesForKelly samples. now is passed explicitly so backtests can
// replay history against a historical reference time.
func (s *Sizer) calculateFromHistory(now time.Time, strategyFilter string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lookback := s.params.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	cutoff := now.AddDate(0, 0, -lookback)

	var filtered []types.TradeResult
	for _, tr := range s.history {
		if tr.Timestamp.Before(cutoff) {
			continue
		}
		if strategyFilter != "" && tr.StrategyTag != strategyFilter {
			continue
		}
		filtered = append(filtered, tr)
	}

	if len(filtered) < s.params.MinTradesForKelly {
		return Result{}, false
	}

	var wins, losses []float64
	for _, tr := range filtered {
		pnl, _ := tr.PnL.Float64()
		if pnl > 0 {
			wins = append(wins, pnl)
		} else if pnl < 0 {
			losses = append(losses, -pnl)
		}
	}
	if len(wins) == 0 || len(losses) == 0 {
		return Result{}, false
	}

	winRate := float64(len(wins)) / float64(len(filtered))
	avgWin := mean(wins)
	avgLoss := mean(losses)

	kellyFraction := CalculateKellyFraction(winRate, avgWin, avgLoss)
	safetyAdjusted := kellyFraction * s.params.SafetyFactor
	recommended := math.Min(safetyAdjusted, s.params.Cap)
	confidence := math.Min(1.0, float64(len(filtered))/(2*float64(s.params.MinTradesForKelly)))

	return Result{
		KellyFraction:   kellyFraction,
		WinRate:         winRate,
		AvgWinLossRatio: avgWin / avgLoss,
		SafetyAdjusted:  safetyAdjusted,
		RecommendedSize: recommended,
		SampleSize:      len(filtered),
		ConfidenceLevel: confidence,
	}, true
}

// CalculateOptimalSize scales the historical Kelly recommendation by
// mlConfidence and the estimate's own confidence level. Until
// MinTradesForKelly samples exist it returns a fixed initial lot instead.
func (s *Sizer) CalculateOptimalSize(now time.Time, mlConfidence float64, strategyTag string) float64 {
	result, ok := s.calculateFromHistory(now, strategyTag)
	if !ok {
		s.mu.RLock()
		sampleCount := len(s.history)
		s.mu.RUnlock()

		if sampleCount < s.params.MinTradesForKelly {
			size := s.params.InitialPositionSize
			if size < s.params.MinTradeSize {
				size = s.params.MinTradeSize
			}
			if s.params.MaxOrderSize > 0 && size > s.params.MaxOrderSize {
				size = s.params.MaxOrderSize
			}
			return size
		}

		conservative := math.Max(s.params.InitialPositionSize*mlConfidence, s.params.MinTradeSize)
		if s.params.MaxOrderSize > 0 && conservative > s.params.MaxOrderSize {
			conservative = s.params.MaxOrderSize
		}
		return math.Min(conservative, s.params.Cap)
	}

	confidenceAdjusted := result.RecommendedSize * mlConfidence
	dataConfidenceAdjusted := confidenceAdjusted * result.ConfidenceLevel

	final := math.Min(dataConfidenceAdjusted, s.params.Cap)
	if s.params.MaxOrderSize > 0 && final > s.params.MaxOrderSize {
		final = s.params.MaxOrderSize
	}
	return final
}

// CalculateDynamicPositionSize scales CalculateOptimalSize by the ratio
// of targetVolatility to the realised volatility implied by atrValue,
// clamped to [0.1, maxScale], and returns an ATR-multiple stop price
// alongside it.
func (s *Sizer) CalculateDynamicPositionSize(
	now time.Time,
	balance, entryPrice, atrValue, mlConfidence, targetVolatility, maxScale float64,
) (size, stopLoss float64) {
	if balance <= 0 || entryPrice <= 0 || atrValue < 0 || targetVolatility <= 0 || targetVolatility > 1 {
		return s.fallbackPositionSize(balance, entryPrice)
	}

	base := s.CalculateOptimalSize(now, mlConfidence, "dynamic")

	const stopATRMultiplier = 2.0
	stop := entryPrice - atrValue*stopATRMultiplier
	if stop <= 0 {
		const stopSafetyRatio = 0.99
		stop = entryPrice * stopSafetyRatio
	}

	var volatilityPct float64
	if atrValue == 0 {
		volatilityPct = targetVolatility
	} else {
		volatilityPct = atrValue / entryPrice
	}

	scale := 1.0
	if volatilityPct > 0 {
		scale = targetVolatility / volatilityPct
	}
	scale = math.Max(0.1, math.Min(scale, maxScale))

	dynamicSize := base * scale

	const safeBalanceRatio = 0.3
	maxSafe := math.Min(
		balance*safeBalanceRatio/entryPrice,
		balance*s.params.Cap,
	)

	return math.Min(dynamicSize, maxSafe), stop
}

// fallbackPositionSize is the multi-level fallback ladder: a conservative
// floor first, clamped by a maximum ratio; it never errors.
func (s *Sizer) fallbackPositionSize(balance, entryPrice float64) (size, stopLoss float64) {
	if entryPrice <= 0 {
		emergencyRatio := orDefault(s.params.EmergencyRatio, 0.005)
		emergencyStopRatio := orDefault(s.params.EmergencyStopRatio, 0.98)
		return math.Max(0, balance*emergencyRatio), entryPrice * emergencyStopRatio
	}

	minRatio := orDefault(s.params.FallbackMinRatio, 0.01)
	stopRatio := orDefault(s.params.FallbackStopRatio, 0.95)
	safePosition := balance * minRatio / entryPrice
	safeStop := entryPrice * stopRatio

	maxRatio := orDefault(s.params.FallbackMaxRatio, 0.10)
	maxSafe := balance * maxRatio / entryPrice

	return math.Max(0, math.Min(safePosition, maxSafe)), safeStop
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}
