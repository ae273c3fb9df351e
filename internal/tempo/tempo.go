// Package tempo resolves the day-ahead tariff color from the public
// Tempo calendar API, with a Redis day cache in front so the midday and
// nightly checks do not hammer the API.
package tempo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/lmartin/batfleet/internal/config"
	"github.com/lmartin/batfleet/internal/logging"
)

// Color is a tariff day color. Unknown stands in whenever the calendar
// cannot be resolved; callers must treat it as "no decision".
type Color string

const (
	ColorBlue    Color = "BLUE"
	ColorWhite   Color = "WHITE"
	ColorRed     Color = "RED"
	ColorUnknown Color = "UNKNOWN"
)

// ParseColor maps a stored or received color string to a Color,
// defaulting to Unknown.
func ParseColor(s string) Color {
	switch Color(strings.ToUpper(s)) {
	case ColorBlue, ColorWhite, ColorRed:
		return Color(strings.ToUpper(s))
	}
	return ColorUnknown
}

// calendarDay is one entry of the public API's calendar listing.
type calendarDay struct {
	DateJour   string `json:"dateJour"`
	CodeJour   int    `json:"codeJour"`
	LibCouleur string `json:"libCouleur"`
}

// color decodes the French labels the API uses, falling back to the
// numeric day code when the label is absent.
func (d calendarDay) color() Color {
	switch strings.ToUpper(d.LibCouleur) {
	case "BLEU":
		return ColorBlue
	case "BLANC":
		return ColorWhite
	case "ROUGE":
		return ColorRed
	}
	switch d.CodeJour {
	case 1:
		return ColorBlue
	case 2:
		return ColorWhite
	case 3:
		return ColorRed
	}
	return ColorUnknown
}

// Service answers color queries. Resolution failures are never surfaced
// as errors: a broken calendar must not break the orchestration jobs, so
// every failure path degrades to Unknown.
type Service struct {
	client  *resty.Client
	cache   ColorCache
	enabled bool
	pubHour int // hour from which tomorrow's color is authoritative
	now     func() time.Time
}

func NewService(conf config.TempoConfig, cache ColorCache) *Service {
	client := resty.New()
	client.SetBaseURL(conf.BaseURL)
	client.SetTimeout(conf.Timeout())
	client.SetHeader("Accept", "application/json")

	return &Service{
		client:  client,
		cache:   cache,
		enabled: conf.Enabled,
		pubHour: conf.PublicationHour,
		now:     time.Now,
	}
}

func cacheKey(day time.Time) string {
	return "tempo:color:" + day.Format("2006-01-02")
}

// cacheTTL bounds how long a resolved color stays trustworthy. Today's
// color holds until midnight. Tomorrow's holds until the next
// publication hour, since the provisional answer can change then.
// Anything further out gets a flat day.
func (s *Service) cacheTTL(day time.Time) time.Duration {
	now := s.now()
	target := day.Format("2006-01-02")

	switch target {
	case now.Format("2006-01-02"):
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		return midnight.Sub(now)
	case now.AddDate(0, 0, 1).Format("2006-01-02"):
		pub := time.Date(now.Year(), now.Month(), now.Day(), s.pubHour, 0, 0, 0, now.Location())
		if !now.Before(pub) {
			pub = pub.AddDate(0, 0, 1)
		}
		return pub.Sub(now)
	default:
		return 24 * time.Hour
	}
}

// ColorFor resolves the color for one calendar day: cache first, then
// the calendar API. It never returns an error; Unknown covers disabled
// service, cache-and-API failure, and dates the calendar does not list.
func (s *Service) ColorFor(ctx context.Context, day time.Time) Color {
	if !s.enabled {
		logging.Debug("tempo service disabled", "date", day.Format("2006-01-02"))
		return ColorUnknown
	}

	key := cacheKey(day)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil && cached != "" {
			logging.Debug("tempo color cache hit", "date", day.Format("2006-01-02"), "color", cached)
			return ParseColor(cached)
		}
	}

	days, err := s.fetchCalendar(ctx)
	if err != nil {
		logging.Error("tempo calendar fetch failed", "date", day.Format("2006-01-02"), "error", err)
		return ColorUnknown
	}

	color := ColorUnknown
	target := day.Format("2006-01-02")
	for _, d := range days {
		if d.DateJour == target {
			color = d.color()
			break
		}
	}
	if color == ColorUnknown {
		logging.Warn("tempo date not in calendar", "date", target)
		return ColorUnknown
	}

	if s.cache != nil {
		ttl := s.cacheTTL(day)
		if err := s.cache.SetTTL(ctx, key, string(color), ttl); err != nil {
			logging.Warn("tempo cache write failed", "date", target, "error", err)
		} else {
			logging.Debug("tempo color cached", "date", target, "color", color, "ttl", ttl)
		}
	}
	logging.Info("tempo color resolved", "date", target, "color", color)
	return color
}

// TodayColor and TomorrowColor are the two queries the jobs actually ask.
func (s *Service) TodayColor(ctx context.Context) Color {
	return s.ColorFor(ctx, s.now())
}

func (s *Service) TomorrowColor(ctx context.Context) Color {
	return s.ColorFor(ctx, s.now().AddDate(0, 0, 1))
}

// ShouldPrecharge reports whether the fleet should force-charge tonight:
// tomorrow is a red day and today is not known to be one. Back-to-back
// red days need no extra charge, and an Unknown tomorrow never triggers
// one; an Unknown today does not block.
func (s *Service) ShouldPrecharge(ctx context.Context) bool {
	todayColor := s.TodayColor(ctx)
	tomorrowColor := s.TomorrowColor(ctx)

	should := tomorrowColor == ColorRed && todayColor != ColorRed
	logging.Info("tempo precharge check",
		"todayColor", todayColor, "tomorrowColor", tomorrowColor, "shouldPrecharge", should)
	return should
}

// RemainingByColor counts the calendar days from today onward per color.
// On any failure it returns all zeros rather than an error.
func (s *Service) RemainingByColor(ctx context.Context) map[Color]int {
	remaining := map[Color]int{ColorBlue: 0, ColorWhite: 0, ColorRed: 0}
	if !s.enabled {
		return remaining
	}

	days, err := s.fetchCalendar(ctx)
	if err != nil {
		logging.Error("tempo calendar fetch failed", "error", err)
		return remaining
	}

	today := s.now().Format("2006-01-02")
	for _, d := range days {
		if d.DateJour < today {
			continue
		}
		if c := d.color(); c != ColorUnknown {
			remaining[c]++
		}
	}
	return remaining
}

func (s *Service) fetchCalendar(ctx context.Context) ([]calendarDay, error) {
	var days []calendarDay
	// ForceContentType: a proxy answering without a JSON Content-Type
	// would otherwise skip unmarshalling and degrade silently to Unknown.
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&days).
		ForceContentType("application/json").
		Get("/joursTempo")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &CalendarError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return days, nil
}

// CalendarError is a non-2xx answer from the calendar API.
type CalendarError struct {
	StatusCode int
	Body       string
}

func (e *CalendarError) Error() string {
	return fmt.Sprintf("tempo: calendar API status %d: %s", e.StatusCode, e.Body)
}

// Close releases the cache connection, if any.
func (s *Service) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}
