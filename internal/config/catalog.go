package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog describes one cache generation: the partition tags, the URLs
// pre-populated at install time, and the pattern lists the request router
// is built from.
type Catalog struct {
	// StaticCache and DynamicCache are the current partition tags. Any other
	// partition found at activation belongs to an older generation.
	StaticCache  string `yaml:"static_cache"`
	DynamicCache string `yaml:"dynamic_cache"`

	// Precache is fetched and written to the static partition on install.
	// Relative entries resolve against the origin.
	Precache []string `yaml:"precache"`

	StaticExtensions []string `yaml:"static_extensions"`
	StaticHosts      []string `yaml:"static_hosts"`

	// NetworkFirst entries are matched as substrings of the full URL.
	NetworkFirst []string `yaml:"network_first"`

	APISegments []string `yaml:"api_segments"`
	APIHosts    []string `yaml:"api_hosts"`

	IgnoredSchemes []string `yaml:"ignored_schemes"`

	// SyncTag is the background-sync tag that drains the submission queue,
	// SubmitPath the origin path queued submissions are POSTed to.
	SyncTag    string `yaml:"sync_tag"`
	SubmitPath string `yaml:"submit_path"`
}

// DefaultCatalog returns the catalog of the current QuizWise deployment.
func DefaultCatalog() *Catalog {
	return &Catalog{
		StaticCache:  "quizwise-static-v1",
		DynamicCache: "quizwise-dynamic-v1",
		Precache: []string{
			"/",
			"/index.html",
			"/manifest.json",
			"/assets/css/styles.css",
			"/assets/js/main.js",
			"/assets/js/auth.js",
			"/assets/js/quiz.js",
			"/assets/js/ai-generator.js",
			"/assets/js/leaderboard.js",
			"/assets/js/firebase-config.js",
			"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
			"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
			"https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&display=swap",
			"https://cdn.jsdelivr.net/npm/chart.js",
		},
		StaticExtensions: []string{".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2", ".ttf"},
		StaticHosts:      []string{"fonts.googleapis.com", "fonts.gstatic.com", "cdnjs.cloudflare.com"},
		NetworkFirst: []string{
			"https://www.gstatic.com/firebasejs/",
			"https://firestore.googleapis.com/",
			"https://identitytoolkit.googleapis.com/",
		},
		APISegments:    []string{"/api/"},
		APIHosts:       []string{"firestore.googleapis.com", "identitytoolkit.googleapis.com"},
		IgnoredSchemes: []string{"chrome-extension", "moz-extension", "safari-web-extension"},
		SyncTag:        "quiz-submission",
		SubmitPath:     "/api/quiz-results",
	}
}

// LoadCatalog reads a YAML catalog. Keys missing from the file keep their
// default values.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog on top of DefaultCatalog and validates it.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := DefaultCatalog()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the partition tags and sync settings.
func (c *Catalog) Validate() error {
	if c.StaticCache == "" || c.DynamicCache == "" {
		return fmt.Errorf("catalog: static_cache and dynamic_cache are required")
	}
	if c.StaticCache == c.DynamicCache {
		return fmt.Errorf("catalog: static_cache and dynamic_cache must differ (both %q)", c.StaticCache)
	}
	if c.SyncTag == "" {
		return fmt.Errorf("catalog: sync_tag is required")
	}
	if c.SubmitPath == "" || c.SubmitPath[0] != '/' {
		return fmt.Errorf("catalog: submit_path %q must be an absolute path", c.SubmitPath)
	}
	return nil
}
