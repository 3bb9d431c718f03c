package kline

// Interval is the candle width in milliseconds.
const Interval = 60_000

// Candle is one OHLCV bucket. Times are unix milliseconds.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    uint32
}

// Series is an append-only list of 1 minute candles ordered by open time.
type Series struct {
	candles []Candle
}

// OpenTime returns the bucket start for a transaction time in seconds.
func OpenTime(t uint32) int64 {
	s := int64(t)
	return (s - s%60) * 1000
}

// Add folds one trade into the series. A trade that belongs to the
// newest bucket extends it; any other trade opens a new bucket unless it
// is older than the newest bucket, in which case it extends the newest.
func (s *Series) Add(t uint32, price, amount float64) {
	open := OpenTime(t)
	if n := len(s.candles); n > 0 && open <= s.candles[n-1].OpenTime {
		c := &s.candles[n-1]
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		c.Volume += amount
		c.Trades++
		return
	}
	s.candles = append(s.candles, Candle{
		OpenTime:  open,
		CloseTime: open + Interval - 1,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    amount,
		Trades:    1,
	})
}

func (s *Series) Len() int { return len(s.candles) }

// Last returns the newest candle.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Candles returns a copy of the series.
func (s *Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Tail returns a copy of at most n newest candles.
func (s *Series) Tail(n int) []Candle {
	if n <= 0 || n >= len(s.candles) {
		return s.Candles()
	}
	out := make([]Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// Load replaces the series contents.
func (s *Series) Load(candles []Candle) {
	s.candles = append(s.candles[:0:0], candles...)
}
