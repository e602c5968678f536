package aiworker

import (
	"fmt"
	"math"

	"github.com/patchwell/signalgate/internal/models"
)

// minCandles is what the slowest indicator (SMA 50) needs.
const minCandles = 50

// ComputeFeatures derives the deterministic feature vector the prediction
// service consumes from a run of 1-minute bars, oldest first. Indicators
// are analytics inputs, not monetary quantities, so float64 is fine here.
func ComputeFeatures(candles []models.Candle) (map[string]float64, error) {
	if len(candles) < minCandles {
		return nil, fmt.Errorf("need at least %d candles, got %d", minCandles, len(candles))
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
	}
	last := closes[n-1]

	ema12 := emaSeries(closes, 12)
	ema26 := emaSeries(closes, 26)
	macdLine := make([]float64, n)
	for i := range closes {
		macdLine[i] = ema12[i] - ema26[i]
	}
	signal := emaSeries(macdLine, 9)

	sma20 := sma(closes, 20)
	sd20 := stddev(closes[n-20:])
	bbUpper := sma20 + 2*sd20
	bbLower := sma20 - 2*sd20
	pctB := 0.5
	if bbUpper != bbLower {
		pctB = (last - bbLower) / (bbUpper - bbLower)
	}
	bbWidth := 0.0
	if sma20 != 0 {
		bbWidth = (bbUpper - bbLower) / sma20
	}

	atr := atr14(highs, lows, closes)
	atrPct := 0.0
	if last != 0 {
		atrPct = atr / last * 100
	}

	volSMA := sma(volumes, 20)
	volRatio := 1.0
	if volSMA != 0 {
		volRatio = volumes[n-1] / volSMA
	}

	lo, hi := lows[n-20], highs[n-20]
	for i := n - 20; i < n; i++ {
		lo = math.Min(lo, lows[i])
		hi = math.Max(hi, highs[i])
	}
	pricePos := 0.5
	if hi != lo {
		pricePos = (last - lo) / (hi - lo)
	}

	aboveSMA20 := 0.0
	if last > sma20 {
		aboveSMA20 = 1.0
	}

	return map[string]float64{
		"close":          last,
		"sma_5":          sma(closes, 5),
		"sma_10":         sma(closes, 10),
		"sma_20":         sma20,
		"sma_50":         sma(closes, 50),
		"ema_12":         ema12[n-1],
		"ema_26":         ema26[n-1],
		"rsi_14":         rsi14(closes),
		"macd":           macdLine[n-1],
		"macd_signal":    signal[n-1],
		"macd_hist":      macdLine[n-1] - signal[n-1],
		"bb_mid":         sma20,
		"bb_upper":       bbUpper,
		"bb_lower":       bbLower,
		"bb_pct_b":       pctB,
		"bb_width":       bbWidth,
		"atr_14":         atr,
		"atr_pct":        atrPct,
		"realized_vol":   realizedVol(closes, 20),
		"volume_sma_20":  volSMA,
		"volume_ratio":   volRatio,
		"obv":            obv(closes, volumes),
		"adx_14":         adx14(highs, lows, closes),
		"above_sma_20":   aboveSMA20,
		"price_position": pricePos,
	}, nil
}

func sma(vals []float64, n int) float64 {
	sum := 0.0
	for _, v := range vals[len(vals)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// emaSeries returns the full EMA series, seeded with the SMA of the first
// n values. Positions before the seed carry the running SMA.
func emaSeries(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	k := 2.0 / (float64(n) + 1)
	sum := 0.0
	for i, v := range vals {
		if i < n {
			sum += v
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = v*k + out[i-1]*(1-k)
	}
	return out
}

func stddev(vals []float64) float64 {
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(vals)))
}

// rsi14 uses Wilder's smoothing over the whole series.
func rsi14(closes []float64) float64 {
	const period = 14
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= period
	loss /= period
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*(period-1) + g) / period
		loss = (loss*(period-1) + l) / period
	}
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func trueRanges(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		out[i-1] = tr
	}
	return out
}

func atr14(highs, lows, closes []float64) float64 {
	const period = 14
	trs := trueRanges(highs, lows, closes)
	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= period
	for _, tr := range trs[period:] {
		atr = (atr*(period-1) + tr) / period
	}
	return atr
}

// realizedVol is the standard deviation of log returns over the window,
// in percent.
func realizedVol(closes []float64, window int) float64 {
	returns := make([]float64, 0, window)
	for i := len(closes) - window; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			returns = append(returns, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(returns) == 0 {
		return 0
	}
	return stddev(returns) * 100
}

func obv(closes, volumes []float64) float64 {
	total := 0.0
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			total += volumes[i]
		case closes[i] < closes[i-1]:
			total -= volumes[i]
		}
	}
	return total
}

// adx14 is the average directional index with Wilder smoothing.
func adx14(highs, lows, closes []float64) float64 {
	const period = 14
	n := len(closes)
	trs := trueRanges(highs, lows, closes)
	plusDM := make([]float64, n-1)
	minusDM := make([]float64, n-1)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	smooth := func(vals []float64) []float64 {
		out := make([]float64, 0, len(vals)-period+1)
		sum := 0.0
		for _, v := range vals[:period] {
			sum += v
		}
		out = append(out, sum)
		for _, v := range vals[period:] {
			sum = sum - sum/period + v
			out = append(out, sum)
		}
		return out
	}
	trS := smooth(trs)
	plusS := smooth(plusDM)
	minusS := smooth(minusDM)

	dxs := make([]float64, len(trS))
	for i := range trS {
		if trS[i] == 0 {
			continue
		}
		pdi := 100 * plusS[i] / trS[i]
		mdi := 100 * minusS[i] / trS[i]
		if pdi+mdi != 0 {
			dxs[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	if len(dxs) < period {
		return 0
	}
	adx := 0.0
	for _, dx := range dxs[:period] {
		adx += dx
	}
	adx /= period
	for _, dx := range dxs[period:] {
		adx = (adx*(period-1) + dx) / period
	}
	return adx
}
