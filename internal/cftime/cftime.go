// Package cftime converts between calendar dates and the numeric time
// encodings used by CF-convention climate datasets ("days since 1950-01-01"
// under a standard, noleap, all_leap or 360_day calendar).
package cftime

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"odds/internal/types"
)

// Calendar is a CF calendar name.
type Calendar string

const (
	Standard           Calendar = "standard"
	Gregorian          Calendar = "gregorian"
	ProlepticGregorian Calendar = "proleptic_gregorian"
	NoLeap             Calendar = "noleap"
	Days365            Calendar = "365_day"
	AllLeap            Calendar = "all_leap"
	Days366            Calendar = "366_day"
	Days360            Calendar = "360_day"
)

// ParseCalendar normalizes a calendar attribute. An empty value means standard.
func ParseCalendar(name string) (Calendar, error) {
	c := Calendar(strings.ToLower(strings.TrimSpace(name)))
	switch c {
	case "":
		return Standard, nil
	case Standard, Gregorian, ProlepticGregorian, NoLeap, Days365, AllLeap, Days366, Days360:
		return c, nil
	case "julian":
		return "", fmt.Errorf("calendar %q is not supported", name)
	}
	return "", fmt.Errorf("unknown calendar %q", name)
}

// YearEnd is the last day of the year: Dec 30 under 360_day, Dec 31 otherwise.
func (c Calendar) YearEnd() (month, day int) {
	if c == Days360 {
		return 12, 30
	}
	return 12, 31
}

// Date is a calendar date and time of day, free of any time.Time semantics
// so that non-standard calendars (Feb 30) can be represented.
type Date struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Units is a parsed "<unit> since <reference>" attribute.
type Units struct {
	Seconds   float64
	Reference Date
}

var unitSeconds = map[string]float64{
	"days": 86400, "day": 86400, "d": 86400,
	"hours": 3600, "hour": 3600, "hrs": 3600, "hr": 3600, "h": 3600,
	"minutes": 60, "minute": 60, "mins": 60, "min": 60,
	"seconds": 1, "second": 1, "secs": 1, "sec": 1, "s": 1,
}

// ParseUnits parses a CF time units attribute.
func ParseUnits(s string) (Units, error) {
	unit, ref, ok := strings.Cut(strings.TrimSpace(s), " since ")
	if !ok {
		return Units{}, fmt.Errorf("time units %q lack \"since\"", s)
	}
	secs, ok := unitSeconds[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return Units{}, fmt.Errorf("unsupported time unit %q", unit)
	}
	d, err := parseReference(strings.TrimSpace(ref))
	if err != nil {
		return Units{}, fmt.Errorf("time units %q: %w", s, err)
	}
	return Units{Seconds: secs, Reference: d}, nil
}

func parseReference(ref string) (Date, error) {
	ref = strings.TrimSuffix(strings.TrimSuffix(ref, "Z"), " UTC")
	datePart, timePart, _ := strings.Cut(strings.Replace(ref, "T", " ", 1), " ")

	ymd := strings.Split(datePart, "-")
	if len(ymd) != 3 {
		return Date{}, fmt.Errorf("bad reference date %q", datePart)
	}
	var d Date
	var err error
	if d.Year, err = strconv.Atoi(ymd[0]); err != nil {
		return Date{}, fmt.Errorf("bad reference year: %w", err)
	}
	if d.Month, err = strconv.Atoi(ymd[1]); err != nil {
		return Date{}, fmt.Errorf("bad reference month: %w", err)
	}
	if d.Day, err = strconv.Atoi(ymd[2]); err != nil {
		return Date{}, fmt.Errorf("bad reference day: %w", err)
	}

	timePart = strings.TrimSpace(timePart)
	if timePart == "" {
		return d, nil
	}
	hms := strings.Split(timePart, ":")
	vals := []*int{&d.Hour, &d.Minute, &d.Second}
	for i := 0; i < len(hms) && i < 3; i++ {
		f, err := strconv.ParseFloat(hms[i], 64)
		if err != nil {
			return Date{}, fmt.Errorf("bad reference time %q", timePart)
		}
		*vals[i] = int(f)
	}
	return d, nil
}

// DateToNum encodes d as a number of units since the reference date.
func DateToNum(d Date, u Units, cal Calendar) float64 {
	days := ordinal(d, cal) - ordinal(u.Reference, cal)
	secs := float64(days)*86400 + float64(secondsOfDay(d)-secondsOfDay(u.Reference))
	return secs / u.Seconds
}

// NumToDate decodes a numeric time value. Sub-second precision is dropped.
func NumToDate(v float64, u Units, cal Calendar) Date {
	total := math.Round(v*u.Seconds) + float64(secondsOfDay(u.Reference))
	dayOffset := math.Floor(total / 86400)
	rem := int(total - dayOffset*86400)

	d := fromOrdinal(ordinal(u.Reference, cal)+int64(dayOffset), cal)
	d.Hour = rem / 3600
	d.Minute = (rem % 3600) / 60
	d.Second = rem % 60
	return d
}

// YearBounds returns the first and last day of the period "YYYY-YYYY".
func YearBounds(period string, cal Calendar) (Date, Date, error) {
	y0, y1, err := types.ParsePeriod(period)
	if err != nil {
		return Date{}, Date{}, err
	}
	m, d := cal.YearEnd()
	return Date{Year: y0, Month: 1, Day: 1}, Date{Year: y1, Month: m, Day: d}, nil
}

func secondsOfDay(d Date) int {
	return d.Hour*3600 + d.Minute*60 + d.Second
}

var (
	cumNoLeap = [13]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334, 365}
	cumLeap   = [13]int{0, 31, 60, 91, 121, 152, 182, 213, 244, 274, 305, 335, 366}
)

// gregorianStartJDN is 1582-10-15, the first Gregorian day of the standard
// calendar.
const gregorianStartJDN = 2299161

// ordinal maps a date to a day count that is contiguous within cal.
func ordinal(d Date, cal Calendar) int64 {
	y, m, day := int64(d.Year), d.Month, int64(d.Day)
	switch cal {
	case Days360:
		return y*360 + int64(m-1)*30 + day - 1
	case NoLeap, Days365:
		return y*365 + int64(cumNoLeap[m-1]) + day - 1
	case AllLeap, Days366:
		return y*366 + int64(cumLeap[m-1]) + day - 1
	case ProlepticGregorian:
		return gregorianJDN(y, int64(m), day)
	default:
		if j := gregorianJDN(y, int64(m), day); j >= gregorianStartJDN {
			return j
		}
		return julianJDN(y, int64(m), day)
	}
}

func fromOrdinal(o int64, cal Calendar) Date {
	switch cal {
	case Days360:
		y := floorDiv(o, 360)
		r := o - y*360
		return Date{Year: int(y), Month: int(r/30) + 1, Day: int(r%30) + 1}
	case NoLeap, Days365:
		return fromFixedYear(o, 365, cumNoLeap)
	case AllLeap, Days366:
		return fromFixedYear(o, 366, cumLeap)
	case ProlepticGregorian:
		return fromJDN(o, true)
	default:
		return fromJDN(o, o >= gregorianStartJDN)
	}
}

func fromFixedYear(o, length int64, cum [13]int) Date {
	y := floorDiv(o, length)
	r := int(o - y*length)
	m := 1
	for m < 12 && r >= cum[m] {
		m++
	}
	return Date{Year: int(y), Month: m, Day: r - cum[m-1] + 1}
}

func gregorianJDN(y, m, d int64) int64 {
	a := (14 - m) / 12
	yy := y + 4800 - a
	mm := m + 12*a - 3
	return d + (153*mm+2)/5 + 365*yy + floorDiv(yy, 4) - floorDiv(yy, 100) + floorDiv(yy, 400) - 32045
}

func julianJDN(y, m, d int64) int64 {
	a := (14 - m) / 12
	yy := y + 4800 - a
	mm := m + 12*a - 3
	return d + (153*mm+2)/5 + 365*yy + floorDiv(yy, 4) - 32083
}

// fromJDN inverts a Julian day number (Richards' algorithm).
func fromJDN(j int64, gregorian bool) Date {
	f := j + 1401
	if gregorian {
		f += (((4*j + 274277) / 146097) * 3 / 4) - 38
	}
	e := 4*f + 3
	g := (e % 1461) / 4
	h := 5*g + 2
	day := (h%153)/5 + 1
	month := (h/153+2)%12 + 1
	year := e/1461 - 4716 + (12+2-month)/12
	return Date{Year: int(year), Month: int(month), Day: int(day)}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
