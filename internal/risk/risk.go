// Package risk composes the Anomaly Detector, Fee Guard, Kelly Sizer, and
// Drawdown Guard into a single evaluate() entry point producing an
// immutable RiskVerdict. It owns no state of its own beyond the weights
// of its scoring function — every component it calls owns its own state.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"bitbank-mm/internal/anomaly"
	"bitbank-mm/internal/drawdown"
	"bitbank-mm/internal/feeguard"
	"bitbank-mm/internal/sizing"
	"bitbank-mm/pkg/types"
)

// Weights controls the weighted risk score in step 6 of evaluate. The
// zero value is invalid; use DefaultWeights.
type Weights struct {
	MLConfidence      float64
	Anomalies         float64
	Drawdown          float64
	ConsecutiveLosses float64
	Volatility        float64
}

// DefaultWeights matches spec.md §4.7 step 6 exactly.
var DefaultWeights = Weights{
	MLConfidence:      0.30,
	Anomalies:         0.25,
	Drawdown:          0.25,
	ConsecutiveLosses: 0.10,
	Volatility:        0.10,
}

// Thresholds classifies the weighted score into a Decision.
type Thresholds struct {
	Deny        float64
	Conditional float64
}

// Evaluator is the single entry point other components call to obtain a
// RiskVerdict for a TradeSignal.
type Evaluator struct {
	anomalyDetector *anomaly.Detector
	feeGuard        *feeguard.Guard
	sizer           *sizing.Sizer
	drawdownGuard   *drawdown.Guard

	weights            Weights
	thresholds         Thresholds
	minMLConfidence    float64
	maxCapitalUsage    float64
	consecutiveLossCap int
}

// New builds an Evaluator wiring the four components it composes.
// consecutiveLossCap is the drawdown guard's configured limit, used to
// normalize the consecutive-losses term of the risk score.
func New(
	anomalyDetector *anomaly.Detector,
	feeGuard *feeguard.Guard,
	sizer *sizing.Sizer,
	drawdownGuard *drawdown.Guard,
	weights Weights,
	thresholds Thresholds,
	minMLConfidence, maxCapitalUsage float64,
	consecutiveLossCap int,
) *Evaluator {
	return &Evaluator{
		anomalyDetector:    anomalyDetector,
		feeGuard:           feeGuard,
		sizer:              sizer,
		drawdownGuard:      drawdownGuard,
		weights:            weights,
		thresholds:         thresholds,
		minMLConfidence:    minMLConfidence,
		maxCapitalUsage:    maxCapitalUsage,
		consecutiveLossCap: consecutiveLossCap,
	}
}

// EvaluateInput bundles everything evaluate needs beyond the signal
// itself: the current market view, fee estimates for both order types,
// how much capital is already committed, current realised volatility
// (used only to normalize the risk score's volatility term), and the
// time used to size via Kelly history.
type EvaluateInput struct {
	Signal          types.TradeSignal
	Snapshot        types.MarketSnapshot
	LatencyMS       float64
	TakerFee        types.FeeQuote
	MakerFee        *types.FeeQuote
	CapitalSpent    decimal.Decimal
	InitialBalance  decimal.Decimal
	RealisedVol     float64
	TargetVol       float64
	MaxSizeScale    float64
	Now             time.Time
}

// Evaluate runs the full seven-step pipeline spec.md §4.7 describes and
// returns an immutable verdict.
func (e *Evaluator) Evaluate(in EvaluateInput) types.RiskVerdict {
	var reasons, warnings []string

	// Step 1: drawdown gate.
	if !e.drawdownGuard.CheckTradingAllowed() {
		return denied(append(reasons, "drawdown guard disallows trading"))
	}

	// Step 2: anomaly detector; critical denies, warnings recorded.
	alerts := e.anomalyDetector.Check(in.Snapshot, in.LatencyMS)
	criticalCount, warningCount := 0, 0
	for _, a := range alerts {
		switch a.Level {
		case types.LevelCritical:
			criticalCount++
			reasons = append(reasons, "critical anomaly: "+string(a.Kind)+" — "+a.Details)
		case types.LevelWarning:
			warningCount++
			warnings = append(warnings, "anomaly warning: "+string(a.Kind)+" — "+a.Details)
		}
	}
	if criticalCount > 0 {
		return denied(reasons)
	}

	// Step 3: fee guard.
	feeVerdict := e.feeGuard.Evaluate(in.Signal.ExpectedProfit, in.TakerFee, in.MakerFee)
	if feeVerdict.Action == types.FeeReject {
		reasons = append(reasons, "fee guard rejected: "+feeVerdict.Reason)
		return denied(reasons)
	}
	if feeVerdict.Action == types.FeeModify {
		warnings = append(warnings, "fee guard suggests maker substitution: "+feeVerdict.Reason)
	}

	// Step 4: minimum ML confidence + capital-usage ceiling.
	if in.Signal.Confidence < e.minMLConfidence {
		reasons = append(reasons, "signal confidence below minimum")
		return denied(reasons)
	}
	if !in.InitialBalance.IsZero() {
		usage, _ := in.CapitalSpent.Div(in.InitialBalance).Float64()
		if usage >= e.maxCapitalUsage {
			reasons = append(reasons, "capital usage ceiling reached")
			return denied(reasons)
		}
	}

	// Step 5: Kelly sizing.
	recommendedSize := e.sizer.CalculateOptimalSize(in.Now, in.Signal.Confidence, in.Signal.Source)

	// Step 6: weighted risk score.
	drawdownState := e.drawdownGuard.Snapshot()
	score := e.riskScore(in.Signal.Confidence, criticalCount, warningCount, drawdownState, in.RealisedVol, in.TargetVol)

	// Step 7: threshold-based decision.
	decision := types.Approved
	switch {
	case score >= e.thresholds.Deny:
		decision = types.Denied
		reasons = append(reasons, "risk score exceeds deny threshold")
	case score >= e.thresholds.Conditional:
		decision = types.Conditional
		warnings = append(warnings, "risk score exceeds conditional threshold")
	}

	size := decimal.NewFromFloat(recommendedSize)
	if decision == types.Denied {
		size = decimal.Zero
	}

	return types.RiskVerdict{
		Decision:     decision,
		PositionSize: size,
		Reasons:      reasons,
		Warnings:     warnings,
		RiskScore:    score,
	}
}

func (e *Evaluator) riskScore(mlConfidence float64, criticalAnomalies, warningAnomalies int, equity types.EquityState, realisedVol, targetVol float64) float64 {
	confidenceTerm := 1 - clamp01(mlConfidence)

	anomalyTerm := clamp01(float64(criticalAnomalies)*0.5 + float64(warningAnomalies)*0.2)

	var drawdownTerm float64
	if !equity.PeakBalance.IsZero() {
		dd, _ := equity.PeakBalance.Sub(equity.CurrentBalance).Div(equity.PeakBalance).Float64()
		drawdownTerm = clamp01(dd)
	}

	var lossTerm float64
	if e.consecutiveLossCap > 0 {
		lossTerm = clamp01(float64(equity.ConsecutiveLosses) / float64(e.consecutiveLossCap))
	}

	var volTerm float64
	if targetVol > 0 {
		volTerm = clamp01(realisedVol/targetVol - 1)
	}

	return e.weights.MLConfidence*confidenceTerm +
		e.weights.Anomalies*anomalyTerm +
		e.weights.Drawdown*drawdownTerm +
		e.weights.ConsecutiveLosses*lossTerm +
		e.weights.Volatility*volTerm
}

// RecordCompletedTrade feeds a closed trade's outcome back into the
// drawdown guard and Kelly sizer so both inform the next Evaluate call.
// Callers own the realised PnL (the Position Tracker's job) — Evaluate
// itself never mutates either component's history.
func (e *Evaluator) RecordCompletedTrade(tr types.TradeResult, balanceAfter float64) error {
	e.sizer.Record(tr)
	e.drawdownGuard.UpdateBalance(balanceAfter)
	return e.drawdownGuard.RecordTradeResult(floatOf(tr.PnL))
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func denied(reasons []string) types.RiskVerdict {
	return types.RiskVerdict{
		Decision:     types.Denied,
		PositionSize: decimal.Zero,
		Reasons:      reasons,
		RiskScore:    1,
	}
}
