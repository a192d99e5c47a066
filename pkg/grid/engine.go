// Dual-grid simulation engine
package grid

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// ============================================================================
// SIMULATION RESULT
// ============================================================================

// Result is the output of one simulation run: the final ledgers, the trade
// logs and the per-candle balance trajectories the risk metrics derive from.
type Result struct {
	Long  SideLedger `json:"long"`
	Short SideLedger `json:"short"`

	LogLong  []TradeLogEntry `json:"log_long"`
	LogShort []TradeLogEntry `json:"log_short"`

	trajLong       []float64
	trajShort      []float64
	periodsPerYear float64
}

// annualizationPeriods derives the number of candle periods per year from the
// series timestamps. Crypto markets trade around the clock, so a year is a
// full 365 days. Series without usable timestamps report zero.
func annualizationPeriods(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	span := candles[len(candles)-1].Timestamp.Sub(candles[0].Timestamp)
	if span <= 0 {
		return 0
	}
	period := span / time.Duration(len(candles)-1)
	return float64(365*24*time.Hour) / float64(period)
}

// ============================================================================
// PER-SIDE STATE
// ============================================================================

// sideState carries one grid's working state through a run: the ledger, the
// trade log and the current order sizing.
type sideState struct {
	ledger     SideLedger
	log        []TradeLogEntry
	trajectory []float64

	// Order sizing. The working level count shrinks with the balance so a
	// depleted grid never allocates more capital than remains.
	originalOrderSize float64
	orderSize         float64
	levels            int
}

func newSideState(side Side, initialBalance float64, params Params) *sideState {
	levels := int(params.RangePct / params.StepPct)
	if levels < 1 {
		levels = 1
	}

	orderSize := 0.0
	if initialBalance > 0 {
		orderSize = initialBalance / float64(levels)
	}

	return &sideState{
		ledger: SideLedger{
			Side:           side,
			InitialBalance: initialBalance,
			Balance:        initialBalance,
			Active:         initialBalance > 0,
		},
		originalOrderSize: orderSize,
		orderSize:         orderSize,
		levels:            levels,
	}
}

// resize recomputes the working level count and per-order size after the
// balance was reduced.
func (s *sideState) resize() {
	if s.ledger.Balance <= 0 || s.originalOrderSize <= 0 {
		return
	}

	levels := int(math.Floor(s.ledger.Balance / s.originalOrderSize))
	if levels < 1 {
		levels = 1
	}

	s.levels = levels
	s.orderSize = s.ledger.Balance / float64(levels)
}

// credit applies a maker profit to the side.
func (s *sideState) credit(index int, c Candle, profit, commission float64, fills int) {
	s.ledger.Balance += profit
	s.ledger.CumulativePnL += profit
	s.ledger.CommissionPaid += commission
	s.ledger.MakerTrades += fills

	s.log = append(s.log, TradeLogEntry{
		Index:     index,
		Timestamp: c.Timestamp,
		Side:      s.ledger.Side,
		Kind:      TradeMaker,
		PnLDelta:  profit,
		Balance:   s.ledger.Balance,
	})
}

// applyLoss debits a capital loss (stop-loss or lightning). The balance is
// clamped at zero; an exhausted side becomes inactive.
func (s *sideState) applyLoss(index int, c Candle, kind TradeKind, loss float64) {
	applied := loss
	if applied > s.ledger.Balance {
		applied = s.ledger.Balance
	}

	s.ledger.Balance -= applied
	s.ledger.CumulativePnL -= applied

	s.log = append(s.log, TradeLogEntry{
		Index:     index,
		Timestamp: c.Timestamp,
		Side:      s.ledger.Side,
		Kind:      kind,
		PnLDelta:  -applied,
		Balance:   s.ledger.Balance,
	})

	if s.ledger.Balance <= 0 {
		s.ledger.Balance = 0
		s.ledger.Active = false
		return
	}

	s.resize()
}

// debitCommission applies a taker commission cost for crossed orders.
func (s *sideState) debitCommission(index int, c Candle, cost float64, fills int) {
	if cost > s.ledger.Balance {
		cost = s.ledger.Balance
	}

	s.ledger.Balance -= cost
	s.ledger.CumulativePnL -= cost
	s.ledger.CommissionPaid += cost
	s.ledger.TakerTrades += fills

	s.log = append(s.log, TradeLogEntry{
		Index:     index,
		Timestamp: c.Timestamp,
		Side:      s.ledger.Side,
		Kind:      TradeTaker,
		PnLDelta:  -cost,
		Balance:   s.ledger.Balance,
	})

	if s.ledger.Balance <= 0 {
		s.ledger.Balance = 0
		s.ledger.Active = false
		return
	}

	s.resize()
}

// deactivate marks the side terminal without touching the balance.
func (s *sideState) deactivate() {
	s.ledger.Active = false
}

// record appends the current balance to the trajectory. Called once per candle.
func (s *sideState) record() {
	s.trajectory = append(s.trajectory, s.ledger.Balance)
}

// ============================================================================
// SIMULATION
// ============================================================================

// Simulate replays a candle sequence against a long grid and a short grid and
// returns the resulting ledgers and trade logs. It is a pure function of its
// inputs: identical candles and parameters yield identical results.
//
// Market anomalies (extreme candles, stop-loss triggers, exhausted capital)
// are simulated events, not errors. The only error causes are invalid
// parameters: a non-positive step or a negative initial balance.
func Simulate(candles []Candle, params Params, cfg SimConfig) (*Result, error) {
	if params.StepPct <= 0 {
		return nil, ErrInvalidStep
	}
	if cfg.InitialBalanceLong < 0 || cfg.InitialBalanceShort < 0 {
		return nil, ErrNegativeBalance
	}

	if cfg.Tuning == (Tuning{}) {
		cfg.Tuning = DefaultTuning()
	}
	if cfg.StopLossStrategy == "" {
		cfg.StopLossStrategy = StopLossIndependent
	}

	long := newSideState(SideLong, cfg.InitialBalanceLong, params)
	short := newSideState(SideShort, cfg.InitialBalanceShort, params)

	for i, c := range candles {
		if !long.ledger.Active && !short.ledger.Active {
			break
		}

		// Malformed prices are skipped, not fatal.
		if c.Low <= 0 || c.Open <= 0 || c.Close <= 0 {
			long.record()
			short.record()
			continue
		}

		rangePct := (c.High - c.Low) / c.Low * 100

		// Extreme single-candle moves are non-tradeable: the grids take a
		// lump capital hit instead of level-by-level fills.
		if rangePct > cfg.Tuning.LightningThresholdPct {
			lossPct := math.Min(cfg.Tuning.LightningLossFactor*rangePct, cfg.Tuning.LightningLossCapPct)
			totalCapital := long.ledger.Balance + short.ledger.Balance
			loss := totalCapital * lossPct / 100

			active := make([]*sideState, 0, 2)
			for _, s := range []*sideState{long, short} {
				if s.ledger.Active {
					active = append(active, s)
				}
			}

			if len(active) > 0 {
				share := loss / float64(len(active))
				for _, s := range active {
					s.ledger.LightningHits++
					s.applyLoss(i, c, TradeLightning, share)
				}
			}

			log.Debug().
				Int("candle", i).
				Float64("range_pct", rangePct).
				Float64("loss_pct", lossPct).
				Msg("Lightning candle")

			long.record()
			short.record()
			continue
		}

		base := math.Min(c.Open, c.Close)
		bodyPct := math.Abs(c.Close-c.Open) / base * 100
		upperWickPct := (c.High - math.Max(c.Open, c.Close)) / base * 100
		lowerWickPct := (math.Min(c.Open, c.Close) - c.Low) / base * 100

		// Candle invariant violations must never yield negative wicks.
		upperWickPct = math.Max(upperWickPct, 0)
		lowerWickPct = math.Max(lowerWickPct, 0)

		// Wick oscillation harvests maker round-trips for both grids,
		// discounted for partial fills.
		wickLevels := (upperWickPct + lowerWickPct) / params.StepPct * cfg.Tuning.FillEfficiency
		if wickLevels > 0 {
			for _, s := range []*sideState{long, short} {
				if !s.ledger.Active {
					continue
				}
				profit := s.orderSize * wickLevels * (params.StepPct - cfg.MakerRatePct) / 100
				commission := s.orderSize * wickLevels * cfg.MakerRatePct / 100
				s.credit(i, c, profit, commission, int(wickLevels))
			}
		}

		red := c.Close < c.Open
		green := c.Close > c.Open

		longStop := red && params.StopLossPct > 0 && bodyPct > params.StopLossPct && long.ledger.Active
		shortStop := green && params.StopLossPct > 0 && bodyPct > params.StopLossPct && short.ledger.Active

		switch {
		case longStop || shortStop:
			// Loss magnitude is a percent move of the current total
			// capital, not of price.
			totalCapital := long.ledger.Balance + short.ledger.Balance
			loss := totalCapital * bodyPct / 100

			triggered := long
			if shortStop {
				triggered = short
			}
			triggered.ledger.StopLossTriggers++

			if cfg.StopLossStrategy == StopLossCloseBoth {
				for _, s := range []*sideState{long, short} {
					if s.ledger.Active {
						s.applyLoss(i, c, TradeStopLoss, loss/2)
					}
					s.deactivate()
				}
			} else {
				triggered.applyLoss(i, c, TradeStopLoss, loss)
			}

			log.Debug().
				Int("candle", i).
				Str("side", string(triggered.ledger.Side)).
				Float64("body_pct", bodyPct).
				Float64("loss", loss).
				Msg("Stop-loss triggered")

		case bodyPct > 0:
			// Body within tolerance: the crossed side pays taker
			// commission, a trading cost rather than a capital loss.
			bodyLevels := bodyPct / params.StepPct
			if red && long.ledger.Active {
				cost := long.orderSize * bodyLevels * cfg.TakerRatePct / 100
				long.debitCommission(i, c, cost, int(bodyLevels))
			}
			if green && short.ledger.Active {
				cost := short.orderSize * bodyLevels * cfg.TakerRatePct / 100
				short.debitCommission(i, c, cost, int(bodyLevels))
			}
		}

		long.record()
		short.record()
	}

	return &Result{
		Long:           long.ledger,
		Short:          short.ledger,
		LogLong:        long.log,
		LogShort:       short.log,
		trajLong:       long.trajectory,
		trajShort:      short.trajectory,
		periodsPerYear: annualizationPeriods(candles),
	}, nil
}
