package indicator

// VolumeTrend classifies volume momentum across two adjacent windows.
type VolumeTrend string

const (
	VolumeIncreasing VolumeTrend = "INCREASING"
	VolumeDecreasing VolumeTrend = "DECREASING"
	VolumeStable     VolumeTrend = "STABLE"
)

// volumeTrendThreshold is the +/-5% band inside which volume is STABLE
// rather than trending, per contract.
const volumeTrendThreshold = 0.05

// VolumeAnalysis summarizes current volume against its recent average/EMA.
type VolumeAnalysis struct {
	CurrentVolume   float64
	AverageVolume   float64
	VolumeEMA       float64
	VolumeRatio     float64
	Trend           VolumeTrend
	VolumeChangePct float64
	IsHighVolume    bool
	IsLowVolume     bool
}

// AnalyzeVolume computes current-vs-average volume stats over the last
// period volumes, and a trend flag comparing the last period window to the
// one before it. Undefined (ok == false) when len(volumes) < period+1.
func AnalyzeVolume(volumes []float64, period int) (VolumeAnalysis, bool) {
	if period <= 0 || len(volumes) < period+1 {
		return VolumeAnalysis{}, false
	}

	recent := volumes[len(volumes)-period:]
	current := volumes[len(volumes)-1]
	average := mean(recent)

	volEMA, _ := EMA(recent, period)

	ratio := 1.0
	if average > 0 {
		ratio = current / average
	}

	trend := VolumeStable
	changePct := 0.0
	if len(volumes) >= period*2 {
		previous := volumes[len(volumes)-2*period : len(volumes)-period]
		prevAvg := mean(previous)
		if prevAvg > 0 {
			changePct = (average - prevAvg) / prevAvg * 100
			switch {
			case average > prevAvg*(1+volumeTrendThreshold):
				trend = VolumeIncreasing
			case average < prevAvg*(1-volumeTrendThreshold):
				trend = VolumeDecreasing
			}
		}
	}

	return VolumeAnalysis{
		CurrentVolume:   current,
		AverageVolume:   average,
		VolumeEMA:       volEMA,
		VolumeRatio:     ratio,
		Trend:           trend,
		VolumeChangePct: changePct,
		IsHighVolume:    ratio > 1.5,
		IsLowVolume:     ratio < 0.5,
	}, true
}
