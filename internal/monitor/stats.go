package monitor

import (
	"math"
	"sort"
)

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev 样本标准差（n−1）
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// annualizedSharpe 年化 Sharpe：日均收益 ×252 / (日波动 ×√252)。
// 波动为零（常数收益）返回 0，避免除零污染指标。
func annualizedSharpe(dailyReturns []float64) float64 {
	sd := stddev(dailyReturns)
	if sd == 0 {
		return 0
	}
	return mean(dailyReturns) * 252 / (sd * math.Sqrt(252))
}

// pearson 皮尔逊相关系数。长度不一致或样本不足返回 0。
func pearson(xs, ys []float64) float64 {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

// ksStatistic 双样本 Kolmogorov–Smirnov 统计量：
// 两个经验分布函数的最大垂直距离，取值 [0, 1]。
func ksStatistic(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa := append([]float64(nil), a...)
	sb := append([]float64(nil), b...)
	sort.Float64s(sa)
	sort.Float64s(sb)

	maxDist := 0.0
	i, j := 0, 0
	for i < len(sa) && j < len(sb) {
		switch {
		case sa[i] < sb[j]:
			i++
		case sb[j] < sa[i]:
			j++
		default:
			// 并列值两侧同时推进，避免平局产生虚假距离
			v := sa[i]
			for i < len(sa) && sa[i] == v {
				i++
			}
			for j < len(sb) && sb[j] == v {
				j++
			}
		}
		dist := math.Abs(float64(i)/float64(len(sa)) - float64(j)/float64(len(sb)))
		if dist > maxDist {
			maxDist = dist
		}
	}
	return maxDist
}

// maxDrawdownOf NAV 序列的最大回撤（正数）
func maxDrawdownOf(navs []float64) float64 {
	maxDD := 0.0
	peak := math.Inf(-1)
	for _, nav := range navs {
		if nav > peak {
			peak = nav
		}
		if peak > 0 {
			if dd := (peak - nav) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
