// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/hostedops/certflow/core/config"
//
//	type ProviderConfig struct {
//		BaseURL string        `env:"DNS_API_BASE_URL,required"`
//		Token   string        `env:"DNS_API_TOKEN,required"`
//		Timeout time.Duration `env:"DNS_API_TIMEOUT" envDefault:"30s"`
//	}
//
//	func main() {
//		var cfg ProviderConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 ProviderConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 ProviderConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Different types are cached independently:
//
//	type RedisConfig struct {
//		URL string `env:"REDIS_URL,required"`
//	}
//
//	// Each type has its own cache entry
//	config.MustLoad(&RedisConfig{})
package config
