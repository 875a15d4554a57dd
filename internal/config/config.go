package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
)

// Store backends selectable with APP_STORE.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  Database settings are only required when the
// MySQL store is selected.
type Config struct {
	Env           string // application environment (e.g. "dev", "prod")
	Port          string // HTTP port to listen on
	Store         string // "mysql" (default) or "memory"
	DBUser        string // database username
	DBPass        string // database password (optional)
	DBHost        string // database host address
	DBPort        string // database port number
	DBName        string // database name
	JWTSecret     string // secret used to sign JWTs
	AccessTTLMin  int    // access token time‑to‑live in minutes
	BcryptCost    int    // bcrypt cost for password hashing
	AdminEmail    string // bootstrap admin account, skipped when empty
	AdminPassword string // password of the bootstrap admin
	RabbitURL     string // broker URL; events run inline when empty
	LogDir        string // directory of the payout log
}

// Load reads configuration values from environment variables and returns a
// Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	c := Config{
		Env:           must("APP_ENV"),
		Port:          must("APP_PORT"),
		Store:         getenv("APP_STORE", StoreMySQL),
		JWTSecret:     must("JWT_SECRET"),
		AccessTTLMin:  mustInt("ACCESS_TOKEN_TTL_MIN"),
		BcryptCost:    mustInt("BCRYPT_COST"),
		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		RabbitURL:     os.Getenv("RABBITMQ_URL"),
		LogDir:        getenv("LOG_DIR", "logs"),
	}
	if c.RabbitURL == "" {
		c.RabbitURL = os.Getenv("AMQP_URL")
	}
	switch c.Store {
	case StoreMySQL:
		c.DBUser = must("DB_USER")
		c.DBPass = os.Getenv("DB_PASS") // empty allowed
		c.DBHost = must("DB_HOST")
		c.DBPort = must("DB_PORT")
		c.DBName = must("DB_NAME")
	case StoreMemory:
	default:
		log.Fatalf("invalid APP_STORE %q: want %s or %s", c.Store, StoreMySQL, StoreMemory)
	}
	if c.AdminEmail != "" && c.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is required when ADMIN_EMAIL is set")
	}
	return c
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
