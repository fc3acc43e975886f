// Package patterns learns per-counterparty payment behavior from historical
// reconciliations and predicts how well a proposed match fits that behavior.
package patterns

import (
	"math"
	"sort"
	"strings"
	"time"
)

// PaymentRecord is one historical payment event the model trains on.
type PaymentRecord struct {
	InvoiceDate time.Time
	PaymentDate time.Time
	Amount      float64
	Description string
	DocNumber   string
	// TransactionID groups records that settled in the same bank movement.
	TransactionID int64
}

// minTrainingRecords is the floor below which no model is fitted and the
// pattern reports no adjustment.
const minTrainingRecords = 5

// maxIntervalDays clamps payment intervals: anything beyond a year is
// bookkeeping noise, not behavior.
const maxIntervalDays = 365

var descriptionKeywords = []string{"bonifico", "pagamento", "riferimento", "fattura", "saldo", "acconto"}

// AmountCluster is one density cluster of standardized payment amounts.
type AmountCluster struct {
	Center float64 `json:"center"`
	Spread float64 `json:"spread"`
	Count  int     `json:"count"`
}

// AmountModel summarizes how the counterparty's payment amounts group.
type AmountModel struct {
	Mean       float64         `json:"mean"`
	StdDev     float64         `json:"std_dev"`
	Clusters   []AmountCluster `json:"clusters"`
	NoiseRatio float64         `json:"noise_ratio"`
}

// TemporalModel is the fitted distribution over invoice-to-payment intervals.
type TemporalModel struct {
	MeanDays float64 `json:"mean_days"`
	StdDays  float64 `json:"std_days"`
	// Gamma shape/scale from a moments fit; Gamma is false when the fit
	// degenerated and the Gaussian is used instead.
	Gamma      bool                   `json:"gamma"`
	Shape      float64                `json:"shape"`
	Scale      float64                `json:"scale"`
	Seasonal   map[time.Month]float64 `json:"seasonal"`
	TrendSlope float64                `json:"trend_slope"`
	TrendR2    float64                `json:"trend_r2"`
}

// SequenceModel captures how many invoices typically share one payment.
type SequenceModel struct {
	MeanPerPayment float64 `json:"mean_per_payment"`
	MaxPerPayment  int     `json:"max_per_payment"`
	MultiShare     float64 `json:"multi_share"`
}

// Pattern is the trained per-counterparty model. A nil or un-trained pattern
// always predicts zero adjustment.
type Pattern struct {
	CounterpartyID int64
	Trained        bool
	Records        int
	TrainedAt      time.Time

	Amounts  *AmountModel
	Temporal *TemporalModel
	Sequence *SequenceModel
	Features []float64
}

// Prediction is what the suggestion engine consumes.
type Prediction struct {
	AmountClusterMatch float64  `json:"amount_cluster_match"`
	TemporalLikelihood float64  `json:"temporal_likelihood"`
	OverallConfidence  float64  `json:"overall_confidence"`
	Recommendations    []string `json:"recommendations"`
}

// Train fits a pattern from history. With fewer than the minimum records the
// returned pattern is un-trained and inert.
func Train(counterpartyID int64, records []PaymentRecord) *Pattern {
	p := &Pattern{
		CounterpartyID: counterpartyID,
		Records:        len(records),
		TrainedAt:      time.Now(),
	}
	if len(records) < minTrainingRecords {
		return p
	}

	p.Amounts = fitAmounts(records)
	p.Temporal = fitTemporal(records)
	p.Sequence = fitSequence(records)
	p.Features = descriptionFeatures(records)
	p.Trained = true
	return p
}

// Predict scores a proposed (amount, invoice date, payment date) against the
// learned behavior.
func (p *Pattern) Predict(amount float64, invoiceDate, paymentDate time.Time) Prediction {
	if p == nil || !p.Trained {
		return Prediction{}
	}

	pred := Prediction{
		AmountClusterMatch: p.Amounts.match(amount),
		TemporalLikelihood: p.Temporal.likelihood(invoiceDate, paymentDate),
	}
	pred.OverallConfidence = 0.5*pred.AmountClusterMatch + 0.5*pred.TemporalLikelihood
	pred.Recommendations = p.recommend(pred)
	return pred
}

func (p *Pattern) recommend(pred Prediction) []string {
	var recs []string
	if pred.AmountClusterMatch >= 0.7 {
		recs = append(recs, "amount is typical for this counterparty")
	} else if pred.AmountClusterMatch < 0.3 {
		recs = append(recs, "amount is unusual for this counterparty")
	}
	if pred.TemporalLikelihood >= 0.7 {
		recs = append(recs, "payment timing matches the usual interval")
	} else if pred.TemporalLikelihood < 0.3 {
		recs = append(recs, "payment timing deviates from the usual interval")
	}
	if p.Sequence != nil && p.Sequence.MultiShare > 0.5 {
		recs = append(recs, "counterparty usually settles several invoices per payment")
	}
	return recs
}

// fitAmounts standardizes the amounts and runs a one-dimensional density
// clustering: a sorted sweep that opens a new cluster whenever the gap to the
// previous point exceeds half a standard deviation. Singleton groups count as
// noise.
func fitAmounts(records []PaymentRecord) *AmountModel {
	amounts := make([]float64, len(records))
	for i, r := range records {
		amounts[i] = math.Abs(r.Amount)
	}
	mean, std := meanStd(amounts)
	m := &AmountModel{Mean: mean, StdDev: std}
	if std == 0 {
		m.Clusters = []AmountCluster{{Center: mean, Count: len(amounts)}}
		return m
	}

	sorted := append([]float64(nil), amounts...)
	sort.Float64s(sorted)

	var current []float64
	noise := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		if len(current) == 1 {
			noise++
			current = nil
			return
		}
		cMean, cStd := meanStd(current)
		m.Clusters = append(m.Clusters, AmountCluster{Center: cMean, Spread: cStd, Count: len(current)})
		current = nil
	}
	for i, v := range sorted {
		if i > 0 && (v-sorted[i-1])/std > 0.5 {
			flush()
		}
		current = append(current, v)
	}
	flush()
	m.NoiseRatio = float64(noise) / float64(len(amounts))
	return m
}

func (m *AmountModel) match(amount float64) float64 {
	amount = math.Abs(amount)
	best := 0.0
	for _, c := range m.Clusters {
		spread := c.Spread
		if spread < m.Mean*0.02+0.01 {
			spread = m.Mean*0.02 + 0.01
		}
		z := math.Abs(amount-c.Center) / spread
		score := math.Exp(-z * z / 2)
		// Bigger clusters are stronger evidence of habit.
		score *= 0.5 + 0.5*math.Min(1, float64(c.Count)/5)
		if score > best {
			best = score
		}
	}
	return best
}

// fitTemporal fits a gamma distribution to the clamped payment intervals via
// the method of moments, keeping a Gaussian fallback when the moments
// degenerate. Month-of-payment seasonal factors and a linear interval trend
// ride along.
func fitTemporal(records []PaymentRecord) *TemporalModel {
	intervals := make([]float64, 0, len(records))
	months := make(map[time.Month]int)
	for _, r := range records {
		if r.InvoiceDate.IsZero() || r.PaymentDate.IsZero() {
			continue
		}
		days := r.PaymentDate.Sub(r.InvoiceDate).Hours() / 24
		if days < 0 {
			days = 0
		}
		if days > maxIntervalDays {
			days = maxIntervalDays
		}
		intervals = append(intervals, days)
		months[r.PaymentDate.Month()]++
	}

	m := &TemporalModel{Seasonal: make(map[time.Month]float64)}
	if len(intervals) == 0 {
		return m
	}

	mean, std := meanStd(intervals)
	m.MeanDays, m.StdDays = mean, std

	variance := std * std
	if mean > 0 && variance > 0 {
		m.Shape = mean * mean / variance
		m.Scale = variance / mean
		m.Gamma = m.Shape > 0 && !math.IsInf(m.Shape, 0)
	}

	total := float64(len(intervals))
	for month, count := range months {
		m.Seasonal[month] = float64(count) / total * 12
	}

	m.TrendSlope, m.TrendR2 = linearTrend(intervals)
	return m
}

// likelihood scores an interval against the fitted distribution, normalized
// so the modal interval scores 1.
func (m *TemporalModel) likelihood(invoiceDate, paymentDate time.Time) float64 {
	if invoiceDate.IsZero() || paymentDate.IsZero() {
		return 0
	}
	days := paymentDate.Sub(invoiceDate).Hours() / 24
	if days < 0 {
		days = 0
	}
	if days > maxIntervalDays {
		days = maxIntervalDays
	}

	if m.Gamma && m.Shape > 1 {
		mode := (m.Shape - 1) * m.Scale
		return clamp01(math.Exp(logGammaPDF(days, m.Shape, m.Scale) - logGammaPDF(mode, m.Shape, m.Scale)))
	}
	if m.StdDays == 0 {
		if math.Abs(days-m.MeanDays) <= 3 {
			return 1
		}
		return 0
	}
	z := (days - m.MeanDays) / m.StdDays
	return math.Exp(-z * z / 2)
}

// logGammaPDF evaluates the gamma log-density; log space keeps large shape
// parameters from overflowing the gamma function.
func logGammaPDF(x, shape, scale float64) float64 {
	if x <= 0 {
		x = 1e-9
	}
	lg, _ := math.Lgamma(shape)
	return (shape-1)*math.Log(x) - x/scale - shape*math.Log(scale) - lg
}

func fitSequence(records []PaymentRecord) *SequenceModel {
	perPayment := make(map[int64]int)
	for _, r := range records {
		perPayment[r.TransactionID]++
	}
	if len(perPayment) == 0 {
		return &SequenceModel{}
	}

	total, max, multi := 0, 0, 0
	for _, n := range perPayment {
		total += n
		if n > max {
			max = n
		}
		if n > 1 {
			multi++
		}
	}
	return &SequenceModel{
		MeanPerPayment: float64(total) / float64(len(perPayment)),
		MaxPerPayment:  max,
		MultiShare:     float64(multi) / float64(len(perPayment)),
	}
}

// descriptionFeatures builds an L2-normalized keyword indicator vector over
// all descriptions.
func descriptionFeatures(records []PaymentRecord) []float64 {
	features := make([]float64, len(descriptionKeywords))
	for _, r := range records {
		desc := strings.ToLower(r.Description)
		for i, kw := range descriptionKeywords {
			if strings.Contains(desc, kw) {
				features[i]++
			}
		}
	}
	norm := 0.0
	for _, f := range features {
		norm += f * f
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range features {
			features[i] /= norm
		}
	}
	return features
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// linearTrend regresses values against their index and returns slope and R².
func linearTrend(values []float64) (float64, float64) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, v := range values {
		fit := intercept + slope*float64(i)
		ssRes += (v - fit) * (v - fit)
		ssTot += (v - meanY) * (v - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
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
