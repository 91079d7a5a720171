package provider

// timeframes lists the supported timeframes in display order with the
// provider resolution each maps to.
var timeframes = []struct {
	name       string
	resolution string
}{
	{"1m", "1"},
	{"3m", "3"},
	{"5m", "5"},
	{"15m", "15"},
	{"30m", "30"},
	{"1h", "60"},
	{"2h", "120"},
	{"4h", "240"},
	{"6h", "360"},
	{"8h", "480"},
	{"12h", "720"},
	{"1d", "1D"},
	{"3d", "3D"},
	{"1w", "1W"},
	{"1M", "1M"},
}

// Resolution maps a timeframe such as "1h" to the provider resolution.
func Resolution(timeframe string) (string, bool) {
	for _, tf := range timeframes {
		if tf.name == timeframe {
			return tf.resolution, true
		}
	}
	return "", false
}

// Timeframes returns the supported timeframe names.
func Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		out = append(out, tf.name)
	}
	return out
}
