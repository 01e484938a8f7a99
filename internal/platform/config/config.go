package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool accepts the values strconv.ParseBool does.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Settings are the playback options a viewer passes in the page URL. They
// are read once when a media loads.
type Settings struct {
	PlayQuality  int     `json:"playQuality"`
	SeekQuality  int     `json:"seekQuality"`
	ScrubQuality int     `json:"scrubQuality"`
	SafeMode     bool    `json:"safeMode"`
	Frame        int     `json:"frame"`
	MultiView    []int64 `json:"multiview,omitempty"`
}

// DefaultSettings reads fallback settings from the environment. Zero
// qualities select the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		PlayQuality:  GetEnvInt("PLAY_QUALITY", 0),
		SeekQuality:  GetEnvInt("SEEK_QUALITY", 0),
		ScrubQuality: GetEnvInt("SCRUB_QUALITY", 0),
		SafeMode:     GetEnvBool("SAFE_MODE", false),
	}
}

// ParseSettings overlays query values on defaults. Malformed values are
// ignored. multiview is a comma separated list of media ids.
func ParseSettings(q url.Values, defaults Settings) Settings {
	s := defaults
	intParam := func(key string, dst *int) {
		if v := q.Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	intParam("playQuality", &s.PlayQuality)
	intParam("seekQuality", &s.SeekQuality)
	intParam("scrubQuality", &s.ScrubQuality)
	intParam("frame", &s.Frame)

	if q.Has("safeMode") {
		v := q.Get("safeMode")
		// a bare ?safeMode switches it on
		if v == "" {
			s.SafeMode = true
		} else if b, err := strconv.ParseBool(v); err == nil {
			s.SafeMode = b
		}
	}

	if v := q.Get("multiview"); v != "" {
		s.MultiView = nil
		for _, part := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				continue
			}
			s.MultiView = append(s.MultiView, id)
		}
	}
	return s
}
