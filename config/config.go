package config

import (
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the service. Provider credentials are read
// here but validated by the clients at first use, so the service still boots
// for status-only operation when a key is absent.
type Config struct {
	HTTPAddr string

	DataDir      string
	UploadDir    string
	ProcessedDir string

	MaxUploadBytes    int64
	AllowedExtensions map[string]bool

	AssemblyAIKey     string
	AssemblyAIBaseURL string
	GroqKey           string
	GroqBaseURL       string

	UploadTimeout time.Duration
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
	PollInterval  time.Duration
	PollBudget    time.Duration

	CompleteTimeout  time.Duration
	CompleteAttempts int
	CompleteBackoff  time.Duration

	// DatabaseURL enables the Postgres archive of terminal jobs when set
	DatabaseURL string
}

const (
	defaultMaxUploadMB = 500
	defaultExtensions  = "mp4,avi,mov,mkv,wmv,flv,webm,mp3,wav"
)

// Load reads configuration from the environment, with .env support
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found. Falling back to OS environment variables.")
	}

	cfg := Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DataDir:           getEnv("DATA_DIR", ".data"),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		ProcessedDir:      getEnv("PROCESSED_DIR", "processed"),
		MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_MB", defaultMaxUploadMB)) * 1024 * 1024,
		AllowedExtensions: parseExtensions(getEnv("ALLOWED_EXTENSIONS", defaultExtensions)),
		AssemblyAIKey:     os.Getenv("ASSEMBLYAI_API_KEY"),
		AssemblyAIBaseURL: getEnv("ASSEMBLYAI_BASE_URL", "https://api.assemblyai.com"),
		GroqKey:           os.Getenv("GROQ_API_KEY"),
		GroqBaseURL:       getEnv("GROQ_BASE_URL", "https://api.groq.com"),
		UploadTimeout:     getEnvDuration("UPLOAD_TIMEOUT", 60*time.Second),
		SubmitTimeout:     getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		PollTimeout:       getEnvDuration("POLL_TIMEOUT", 30*time.Second),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollBudget:        getEnvDuration("POLL_BUDGET", 300*time.Second),
		CompleteTimeout:   getEnvDuration("COMPLETE_TIMEOUT", 120*time.Second),
		CompleteAttempts:  getEnvInt("COMPLETE_ATTEMPTS", 3),
		CompleteBackoff:   getEnvDuration("COMPLETE_BACKOFF", 2*time.Second),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}

	return cfg
}

// AllowedFile checks whether a filename carries an allowed media extension
func (c Config) AllowedFile(filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return false
	}
	return c.AllowedExtensions[strings.ToLower(filename[idx+1:])]
}

// ExtensionList returns the allow-set as a sorted slice for error messages
func (c Config) ExtensionList() []string {
	exts := make([]string, 0, len(c.AllowedExtensions))
	for ext := range c.AllowedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func parseExtensions(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, ext := range strings.Split(raw, ",") {
		ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
		if ext != "" {
			set[ext] = true
		}
	}
	return set
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %d", key, val, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %s", key, val, fallback)
		return fallback
	}
	return d
}
